package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/mw"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// ProxyPrefix is where the upstream API is mounted.
const ProxyPrefix = "/v1"

func init() { Register("proxy", registerProxy) }

// registerProxy mounts the upstream behind the client guards. The client's
// own Authorization header is replaced by the pooled secret downstream.
func registerProxy(r chi.Router, d deps.Deps) {
	if d.Proxy == nil {
		d.Logger.Info("upstream proxy disabled")
		return
	}
	if len(d.ProxyAPIKeys) == 0 && len(d.ProxyCIDRS) == 0 {
		d.Logger.Warn("upstream proxy is public, any client can spend the pool",
			logger.String("prefix", ProxyPrefix))
	}

	r.With(
		mw.AllowOnlyCIDRS(d.ProxyCIDRS, d.TrustProxy, d.Logger),
		mw.EnforceHost(d.AllowedHosts, d.Logger),
		mw.RequireAPIKey(d.ProxyAPIKeys, d.Logger),
	).Handle(ProxyPrefix+"/*", d.Proxy)
}
