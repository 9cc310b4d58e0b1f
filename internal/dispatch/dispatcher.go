// Package dispatch runs outbound calls through the credential pool.
package dispatch

import (
	"context"
	"errors"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// Pool is the part of the credential pool a dispatcher needs.
type Pool interface {
	SelectCredential() (domain.Credential, error)
	RecordUsage(ctx context.Context, id string, outcome domain.Outcome, cost int64)
}

// Caller performs one upstream call with the given credential and returns
// what it cost. A cost <= 0 counts as 1.
type Caller interface {
	Call(ctx context.Context, cred domain.Credential) (int64, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, cred domain.Credential) (int64, error)

func (f CallerFunc) Call(ctx context.Context, cred domain.Credential) (int64, error) {
	return f(ctx, cred)
}

// Dispatcher selects a credential, hands it to a Caller and reports the
// outcome back to the pool. It never retries.
type Dispatcher struct {
	pool Pool
	log  logger.Logger
}

func New(pool Pool, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{pool: pool, log: log}
}

// Do runs c with the best credential available. domain.ErrPoolExhausted is
// returned as is when nothing is eligible.
func (d *Dispatcher) Do(ctx context.Context, c Caller) error {
	cred, err := d.pool.SelectCredential()
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			d.log.Warn("no credential available for dispatch")
		}
		return err
	}

	cost, err := c.Call(ctx, cred)
	if err != nil {
		d.pool.RecordUsage(ctx, cred.ID, domain.OutcomeFailure, 0)
		d.log.Debug("upstream call failed",
			logger.String("credential_id", cred.ID),
			logger.String("masked", cred.Masked()),
			logger.Error(err))
		return err
	}
	d.pool.RecordUsage(ctx, cred.ID, domain.OutcomeSuccess, cost)
	return nil
}
