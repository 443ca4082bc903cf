// Package cache holds per-user summary caches and the invalidation hook the
// categorization pipeline fires after writing category assignments.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Invalidator marks a user's cached summaries stale. The pipeline only
// signals; readers decide when to recompute.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string)
}

// UserCache is an in-process cache of per-user values keyed by a derived key
// (for example "summary:2025-01"). Entries expire by TTL and are dropped
// wholesale when the user's generation advances on invalidation.
type UserCache[T any] struct {
	mu          sync.Mutex
	ttl         time.Duration
	generations map[string]uint64
	items       map[string]entry[T]
}

type entry[T any] struct {
	data       T
	generation uint64
	expiresAt  time.Time
}

// NewUserCache creates a UserCache with the given entry TTL.
func NewUserCache[T any](ttl time.Duration) *UserCache[T] {
	return &UserCache[T]{
		ttl:         ttl,
		generations: make(map[string]uint64),
		items:       make(map[string]entry[T]),
	}
}

// Get retrieves a cached value, missing when expired or invalidated.
func (c *UserCache[T]) Get(userID, key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.items[userID+"\x00"+key]
	if !ok {
		return zero, false
	}
	if e.generation != c.generations[userID] || time.Now().After(e.expiresAt) {
		delete(c.items, userID+"\x00"+key)
		return zero, false
	}
	return e.data, true
}

// Set stores a value under the user's current generation.
func (c *UserCache[T]) Set(userID, key string, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[userID+"\x00"+key] = entry[T]{
		data:       data,
		generation: c.generations[userID],
		expiresAt:  time.Now().Add(c.ttl),
	}
}

// InvalidateUser advances the user's generation, orphaning every entry
// written before the call.
func (c *UserCache[T]) InvalidateUser(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[userID]++
	zap.L().Debug("cache: user invalidated",
		zap.String("user_id", userID),
		zap.Uint64("generation", c.generations[userID]),
	)
}

// CleanExpired removes expired and orphaned entries, returning how many were
// dropped. Intended to run on a periodic sweep.
func (c *UserCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.items {
		userID, _, _ := splitKey(key)
		if now.After(e.expiresAt) || e.generation != c.generations[userID] {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Size returns the current number of entries.
func (c *UserCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func splitKey(key string) (userID, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}
