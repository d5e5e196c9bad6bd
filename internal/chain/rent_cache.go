package chain

import (
	"context"
	"sync"
	"time"
)

// RentCache memoises rent-exempt minimums per data size. It is an explicit
// object so each process (and each test) owns its own copy.
type RentCache struct {
	gw  Gateway
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uint64]rentEntry
}

type rentEntry struct {
	lamports uint64
	expires  time.Time
}

// NewRentCache wraps gw. A zero ttl caches for the life of the process.
func NewRentCache(gw Gateway, ttl time.Duration) *RentCache {
	return &RentCache{
		gw:      gw,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uint64]rentEntry),
	}
}

// MinRentExempt returns the cached minimum for dataSize, querying the node on
// a miss or after expiry.
func (c *RentCache) MinRentExempt(ctx context.Context, dataSize uint64) (uint64, error) {
	c.mu.Lock()
	e, ok := c.entries[dataSize]
	c.mu.Unlock()
	if ok && (c.ttl == 0 || c.now().Before(e.expires)) {
		return e.lamports, nil
	}

	v, err := c.gw.GetMinRentExemptBalance(ctx, dataSize)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[dataSize] = rentEntry{lamports: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// ATARent is the rent for a token account, falling back to DefaultATARent
// when the node cannot be reached.
func (c *RentCache) ATARent(ctx context.Context) uint64 {
	v, err := c.MinRentExempt(ctx, TokenAccountSize)
	if err != nil || v == 0 {
		return DefaultATARent
	}
	return v
}

// Invalidate drops every cached entry.
func (c *RentCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[uint64]rentEntry)
	c.mu.Unlock()
}
