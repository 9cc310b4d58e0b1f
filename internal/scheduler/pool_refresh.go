package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// Refresher is the credential pool as seen by the refresh loop.
type Refresher interface {
	Initialize(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// PoolRefresher reloads the credential pool periodically and on demand.
type PoolRefresher struct {
	pool          Refresher
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}
}

// NewPoolRefresher creates a refresher. Sending on manualTrigger forces an
// immediate reload.
func NewPoolRefresher(
	pool Refresher,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *PoolRefresher {
	return &PoolRefresher{
		pool:          pool,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start loads the pool once, then keeps it fresh in the background.
func (pr *PoolRefresher) Start(ctx context.Context) error {
	if err := pr.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initial pool load failed: %w", err)
	}

	ticker := time.NewTicker(pr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pr.refresh(ctx)
			case <-pr.manualTrigger:
				pr.logger.Info("manual pool reload triggered")
				pr.refresh(ctx)
			case <-pr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the refresher
func (pr *PoolRefresher) Stop() {
	close(pr.stopCh)
}

func (pr *PoolRefresher) refresh(ctx context.Context) {
	if err := pr.pool.Refresh(ctx); err != nil {
		pr.logger.Error("failed to refresh credential pool", logger.Error(err))
	}
}
