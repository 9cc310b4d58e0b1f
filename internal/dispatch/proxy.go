package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// UsageCostHeader lets the upstream report how many quota units a call used.
const UsageCostHeader = "X-Usage-Cost"

type credKey struct{}

// Proxy forwards requests to the upstream with a pooled credential as
// bearer token.
type Proxy struct {
	pool   Pool
	log    logger.Logger
	target *url.URL
	rp     *httputil.ReverseProxy
}

// NewProxy builds a proxy to upstream. The mount prefix is stripped before
// the path is joined onto the upstream URL.
func NewProxy(upstream, prefix string, pool Pool, log logger.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", upstream)
	}
	if log == nil {
		log = logger.NewNop()
	}

	p := &Proxy{pool: pool, log: log, target: target}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.Out.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Cookie")
			if cred, ok := pr.In.Context().Value(credKey{}).(domain.Credential); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+cred.Secret)
			}
		},
		ModifyResponse: p.recordResponse,
		ErrorHandler:   p.recordError,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, err := p.pool.SelectCredential()
	if err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, domain.ErrPoolExhausted) {
			status = http.StatusInternalServerError
		}
		p.log.Warn("proxy request rejected", logger.String("path", r.URL.Path), logger.Error(err))
		w.Header().Set("Retry-After", "60")
		http.Error(w, err.Error(), status)
		return
	}

	ctx := context.WithValue(r.Context(), credKey{}, cred)
	p.rp.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Proxy) recordResponse(resp *http.Response) error {
	cred, ok := resp.Request.Context().Value(credKey{}).(domain.Credential)
	if !ok {
		return nil
	}

	outcome := Classify(resp.StatusCode)
	cost := ParseCost(resp.Header.Get(UsageCostHeader))
	resp.Header.Del(UsageCostHeader)

	// Usage accounting must outlive the client connection.
	p.pool.RecordUsage(context.WithoutCancel(resp.Request.Context()), cred.ID, outcome, cost)
	p.log.Debug("proxied request",
		logger.String("credential_id", cred.ID),
		logger.Int("status", resp.StatusCode),
		logger.String("outcome", outcome.String()),
		logger.Int64("cost", cost))
	return nil
}

func (p *Proxy) recordError(w http.ResponseWriter, r *http.Request, err error) {
	if cred, ok := r.Context().Value(credKey{}).(domain.Credential); ok {
		p.pool.RecordUsage(context.WithoutCancel(r.Context()), cred.ID, domain.OutcomeFailure, 0)
		p.log.Warn("upstream unreachable",
			logger.String("credential_id", cred.ID),
			logger.String("upstream", p.target.Host),
			logger.Error(err))
	}
	w.WriteHeader(http.StatusBadGateway)
}

// Classify maps an upstream status to a usage outcome. Auth rejections,
// rate limiting and server errors are reported as failures, which consume
// no quota.
func Classify(status int) domain.Outcome {
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusTooManyRequests,
		status >= 500:
		return domain.OutcomeFailure
	default:
		return domain.OutcomeSuccess
	}
}

// ParseCost reads a usage cost header. Missing or invalid values cost 1 and
// anything above domain.MaxUsageCost is clamped to it.
func ParseCost(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(strings.TrimSpace(v), "-") {
		return domain.MaxUsageCost
	}
	if err != nil {
		return 1
	}
	return domain.ClampCost(n)
}
