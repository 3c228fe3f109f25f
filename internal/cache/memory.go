package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process LRU cache with per-entry expiry.
type Memory struct {
	lru          *expirable.LRU[string, Entry]
	maxEntrySize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates a cache holding at most size entries for ttl each.
// Audio larger than maxEntrySize bytes is rejected; zero means no limit.
func NewMemory(size int, ttl time.Duration, maxEntrySize int) *Memory {
	if size <= 0 {
		size = 1000
	}
	return &Memory{
		lru:          expirable.NewLRU[string, Entry](size, nil, ttl),
		maxEntrySize: maxEntrySize,
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		m.misses.Add(1)
		return Entry{}, false
	}
	m.hits.Add(1)
	return e, true
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, key string, e Entry) error {
	if m.maxEntrySize > 0 && len(e.Audio) > m.maxEntrySize {
		return ErrEntryTooLarge
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.lru.Add(key, e)
	return nil
}

// Stats returns the cache counters.
func (m *Memory) Stats() Stats {
	hits, misses := m.hits.Load(), m.misses.Load()
	return Stats{
		Entries: m.lru.Len(),
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}
