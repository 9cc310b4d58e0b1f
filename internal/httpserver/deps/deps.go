package deps

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/admin"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
	"github.com/MrSnakeDoc/keypool/internal/lockout"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/pool"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

type Deps struct {
	Logger        logger.Logger
	StartTime     time.Time
	Version       string
	Commit        string
	BuildDate     string
	GoVersion     string
	TimeNow       func() time.Time       // for testing, defaults to time.Now
	AllowedHosts  []string               // Host headers allowed to reach the admin API and the proxy
	AllowedCIDRS  []string               // IPs allowed to access healthz/readyz/infra endpoints
	TrustProxy    bool                   // true if running behind a trusted reverse proxy (e.g., cloudflared)
	StoreDriver   string                 // "redis" | "sqlite" | "memory"
	Store         store.Store            // durable store, pinged by readiness checks
	Pool          *pool.Manager          // credential pool
	Admin         *admin.Service         // credential and account commands
	Auth          *lockout.Authenticator // lockout-guarded login
	Sessions      *session.Manager       // signed session cookies
	Proxy         http.Handler           // upstream proxy, nil when disabled
	ProxyAPIKeys  []string               // client bearer keys accepted by the proxy
	ProxyCIDRS    []string               // client addresses allowed on the proxy
	ReloadTrigger chan struct{}          // Channel to trigger manual pool reload
	LoginBurst    int                    // login attempts per IP before throttling
	LoginPerMin   int                    // login refill rate per IP
}
