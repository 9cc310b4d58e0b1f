package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
)

// entry is one cached credential. Its mutex serialises usage updates on
// that credential without touching the others.
type entry struct {
	mu   sync.Mutex
	cred domain.Credential
}

func (e *entry) snapshot() domain.Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cred.Clone()
}

// cache holds the credential set. The map itself is only ever replaced
// wholesale under mu; individual entries are mutated under their own lock.
type cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry // ID -> entry
	lastReload time.Time
	loaded     bool
}

func newCache() *cache {
	return &cache{entries: make(map[string]*entry)}
}

// replace swaps in the map returned by build. build runs with the write
// lock held, so no usage update can land between build and the swap.
func (c *cache) replace(at time.Time, build func() map[string]*entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = build()
	c.lastReload = at
	c.loaded = true
}

// withEntry runs fn on the entry for id while holding the read lock.
// Returns false if id is not cached.
func (c *cache) withEntry(id string, fn func(e *entry)) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// all returns copies of every cached credential ordered by creation time.
func (c *cache) all() []domain.Credential {
	c.mu.RLock()
	out := make([]domain.Credential, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *cache) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *cache) status() (loaded bool, lastReload time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded, c.lastReload
}
