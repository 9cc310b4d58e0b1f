// Package events carries the "pool mutated" signal from admin writes to the
// credential pool.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Reasons attached to PoolMutated.
const (
	ReasonCreated    = "created"
	ReasonUpdated    = "updated"
	ReasonDeleted    = "deleted"
	ReasonStatus     = "status"
	ReasonUsageReset = "usage_reset"
	ReasonManualLoad = "manual_reload"
	ReasonSeeded     = "seeded"
	ReasonDailyReset = "daily_reset"
)

// PoolMutated is published after a credential write has committed.
// IDs is empty when the mutation touched every credential.
type PoolMutated struct {
	Reason string
	IDs    []string
	At     time.Time
}

// Handler reacts to a mutation. A returned error reaches the publisher.
type Handler func(ctx context.Context, evt PoolMutated) error

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for every future event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish runs every handler and joins their errors. All handlers run even
// when an earlier one fails.
func (b *Bus) Publish(ctx context.Context, evt PoolMutated) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
