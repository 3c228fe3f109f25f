// Package cache stores recently delivered responses so recovery can fall
// back to them when the voice pipeline fails.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEntryTooLarge is returned by Put when the audio exceeds the size limit.
var ErrEntryTooLarge = errors.New("cache entry too large")

// Entry is a cached response.
type Entry struct {
	Text      string    `json:"text"`
	Audio     []byte    `json:"audio,omitempty"`
	Format    string    `json:"format,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasAudio reports whether the entry carries synthesized audio.
func (e Entry) HasAudio() bool {
	return len(e.Audio) > 0
}

// Cache is a response cache shared by all sessions.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Put(ctx context.Context, key string, e Entry) error
}

// Stats contains cache performance counters.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Key derives a cache key from response text and the voice settings that
// affect synthesis.
func Key(text, language, speed string) string {
	data := fmt.Sprintf("%s|%s|%s", strings.TrimSpace(text), language, speed)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}
