package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

const (
	// DefaultHistoryRetention is how many days of usage history are kept.
	DefaultHistoryRetention = 90 * 24 * time.Hour
)

// HistoryCollector handles cleanup of old usage history buckets
type HistoryCollector struct {
	store     store.HistoryPruner
	logger    logger.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
}

// NewHistoryCollector creates a new history collector
func NewHistoryCollector(
	st store.HistoryPruner,
	log logger.Logger,
	interval time.Duration,
	retention time.Duration,
) *HistoryCollector {
	if retention == 0 {
		retention = DefaultHistoryRetention
	}

	return &HistoryCollector{
		store:     st,
		logger:    log,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection process
func (hc *HistoryCollector) Start(ctx context.Context) error {
	// Run immediately on start
	if _, err := hc.Collect(ctx); err != nil {
		hc.logger.Warn("initial history collection failed",
			logger.Error(err))
	}

	ticker := time.NewTicker(hc.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := hc.Collect(ctx); err != nil {
					hc.logger.Error("history collection failed",
						logger.Error(err))
				}
			case <-hc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the collector
func (hc *HistoryCollector) Stop() {
	close(hc.stopCh)
}

// Collect removes day buckets older than the retention window.
func (hc *HistoryCollector) Collect(ctx context.Context) (int, error) {
	cutoff := hc.now().Add(-hc.retention)
	removed, err := hc.store.PruneUsageHistory(ctx, cutoff)
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		hc.logger.Info("usage history collected",
			logger.Int("buckets_deleted", removed),
			logger.String("cutoff_day", store.DayKey(cutoff)))
	} else {
		hc.logger.Debug("no usage history to collect")
	}
	return removed, nil
}
