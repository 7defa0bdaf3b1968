// Package cache provides a TTL and size bounded cache for non-streaming
// chat completion responses, keyed on the model and the exact request
// messages. Two backends are available: Memory (the default, in
// process) and Redis (internal/cache's redis.go, for multi-instance
// deployments sharing one cache).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MaxEntries bounds the in-memory cache so a bursty workload with
// highly cardinal prompts cannot grow it unbounded.
const MaxEntries = 10_000

// Cache is the interface both backends satisfy.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Stats() Stats
}

// Stats is a point-in-time view of cache effectiveness and occupancy.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Size    int    `json:"size"`
	MaxSize int    `json:"max_size"`
}

// BuildKey derives the cache key for a chat completion request: the
// model name and the JSON-serialized messages, joined with a colon.
// Two requests are cache-equivalent only if both match exactly.
func BuildKey(model string, messages any) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshaling cache key messages: %w", err)
	}
	return fmt.Sprintf("%s:%s", model, data), nil
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process map-backed Cache. When full, it evicts
// the first expired entry it finds during a scan; if none are
// expired, it evicts an arbitrary entry (Go map iteration order is
// unspecified, so "arbitrary" here really is arbitrary).
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewMemory creates an empty MemoryCache.
func NewMemory() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached value for key, or false if absent or expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		c.misses++
		if ok {
			delete(c.entries, key)
		}
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key with the given TTL, evicting an entry
// first if the cache is at capacity.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= MaxEntries {
		c.evictLocked()
	}

	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// evictLocked removes one entry to make room for a new one. Callers
// must hold c.mu.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			return
		}
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// Stats returns the current hit/miss counters and occupancy.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    len(c.entries),
		MaxSize: MaxEntries,
	}
}
