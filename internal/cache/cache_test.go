package cache

import (
	"context"
	"testing"
	"time"
)

func TestBuildKey_DeterministicAndDistinguishing(t *testing.T) {
	messages := []map[string]string{{"role": "user", "content": "hi"}}

	k1, err := BuildKey("gpt-4", messages)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	k2, err := BuildKey("gpt-4", messages)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if k1 != k2 {
		t.Errorf("same model+messages should hash identically: %q != %q", k1, k2)
	}

	k3, err := BuildKey("gpt-3.5-turbo", messages)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if k1 == k3 {
		t.Error("different models should not collide")
	}
}

func TestMemoryCache_SetGetMiss(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "absent"); ok {
		t.Error("Get on empty cache should miss")
	}

	c.Set(ctx, "k", []byte("v"), time.Minute)
	val, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(val) != "v" {
		t.Errorf("value = %q, want %q", val, "v")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("stats = %+v, want Hits=1 Misses=1 Size=1", stats)
	}
}

func TestMemoryCache_ExpiredEntryMisses(t *testing.T) {
	c := NewMemory()
	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Second)

	c.now = func() time.Time { return now.Add(2 * time.Second) }
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected expired entry to miss")
	}
	if _, exists := c.entries["k"]; exists {
		t.Error("expired entry should be evicted from the map on lookup")
	}
}

func TestMemoryCache_EvictsExpiredBeforeArbitrary(t *testing.T) {
	c := NewMemory()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "stale", []byte("v"), time.Second)
	c.now = func() time.Time { return now.Add(2 * time.Second) }
	c.Set(ctx, "fresh", []byte("v"), time.Minute)

	for i := 0; i < MaxEntries-1; i++ {
		c.entries[string(rune(i))] = memoryEntry{value: []byte("x"), expiresAt: c.now().Add(time.Minute)}
	}

	// Cache now holds MaxEntries+1 entries (one over capacity) with
	// exactly one expired entry ("stale").
	// Setting one more key should evict "stale" rather than "fresh" or
	// one of the padding entries, since the scan finds expired entries
	// first.
	c.Set(ctx, "new", []byte("v"), time.Minute)

	if _, ok := c.entries["stale"]; ok {
		t.Error("expired entry should have been evicted first")
	}
	if _, ok := c.entries["fresh"]; !ok {
		t.Error("fresh entry should have survived eviction")
	}
}

func TestMemoryCache_StatsReportsMaxSize(t *testing.T) {
	c := NewMemory()
	if stats := c.Stats(); stats.MaxSize != MaxEntries {
		t.Errorf("MaxSize = %d, want %d", stats.MaxSize, MaxEntries)
	}
}
