package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
)

type componentStatus struct {
	OK         bool   `json:"ok"`
	Driver     string `json:"driver,omitempty"`
	Loaded     *int   `json:"credentials_loaded,omitempty"`
	Eligible   *int   `json:"credentials_eligible,omitempty"`
	Pending    *int   `json:"pending_writes,omitempty"`
	LastReload string `json:"last_reload,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Impact     string `json:"impact,omitempty"`
	Error      string `json:"error,omitempty"`
}

type infraResponse struct {
	RoutingMode string                     `json:"routing_mode"`
	Components  map[string]componentStatus `json:"components"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := d.Pool.Stats()
		lastReload := "never"
		if !stats.LastRefreshAt.IsZero() {
			lastReload = stats.LastRefreshAt.Format("2006-01-02 15:04:05")
		}

		components := map[string]componentStatus{
			"pool": {
				OK:         stats.Initialized && stats.Eligible > 0,
				Loaded:     &stats.Total,
				Eligible:   &stats.Eligible,
				Pending:    &stats.PendingWrites,
				LastReload: lastReload,
			},
			"store": checkStore(r.Context(), d),
			"proxy": proxyStatus(d),
		}

		writeJSON(w, http.StatusOK, infraResponse{
			RoutingMode: determineRoutingMode(components),
			Components:  components,
		})
	}
}

func determineRoutingMode(components map[string]componentStatus) string {
	// Nothing to hand out = critical
	if p, ok := components["pool"]; ok && !p.OK {
		return "critical"
	}
	// Store down: selection still works from cache, usage writes are retried
	if s, ok := components["store"]; ok && !s.OK {
		return "degraded"
	}
	return "optimal"
}

func checkStore(ctx context.Context, d deps.Deps) componentStatus {
	if d.Store == nil {
		return componentStatus{
			OK:     false,
			Driver: d.StoreDriver,
			Error:  "store not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.Store.Ping(ctx); err != nil {
		return componentStatus{
			OK:     false,
			Driver: d.StoreDriver,
			Mode:   "degraded",
			Impact: "admin-writes-and-usage-persistence-failing",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Driver: d.StoreDriver, Mode: "optimal"}
}

func proxyStatus(d deps.Deps) componentStatus {
	if d.Proxy == nil {
		return componentStatus{OK: true, Mode: "disabled"}
	}
	return componentStatus{OK: true, Mode: "enabled"}
}
