package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/zedarvates/storycore/internal/reference"
)

// DefaultTTL is the engine-facing memoization window.
const DefaultTTL = 30 * time.Second

// ComputeFunc produces a score on cache miss.
type ComputeFunc func(ctx context.Context) (reference.ConsistencyScore, error)

// ScoreCache memoizes consistency scores under fingerprint-composed keys. Keys
// encode the full dependency set of a score, so an edit anywhere in the hierarchy
// makes the old key stop matching without any cascading-invalidation pass.
//
// Concurrent misses for the same key may compute twice; that is duplicate work,
// not corruption, and the last write wins.
type ScoreCache interface {
	// GetOrCompute returns the cached score for key, or runs fn and caches the
	// result for ttl. The bool reports whether the value came from cache.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (reference.ConsistencyScore, bool, error)
	// Invalidate proactively drops every key belonging to the given entity,
	// best-effort, so a recent edit is visible before TTL expiry. Returns the
	// number of dropped entries.
	Invalidate(ctx context.Context, entityID string) int
}

// Key composes a cache key from an entity id and the fingerprints of everything
// the entity's score depends on. The id stays in clear as the invalidation prefix;
// the dependency set is folded into one hash.
func Key(entityID string, fingerprints ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fingerprints, "|")))
	return entityID + ":" + hex.EncodeToString(sum[:12])
}

type memoryEntry struct {
	score     reference.ConsistencyScore
	expiresAt time.Time
}

// MemoryCache is the in-process backend: a mutex-guarded map with lazy expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory returns an empty in-process score cache.
func NewMemory() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}}
}

func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (reference.ConsistencyScore, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.score, true, nil
	}
	score, err := fn(ctx)
	if err != nil {
		return reference.ConsistencyScore{}, false, err
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{score: score, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return score, false, nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, entityID string) int {
	prefix := entityID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Purge drops expired entries. Callers may run it periodically; correctness does
// not depend on it since lookups check expiry.
func (c *MemoryCache) Purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}
