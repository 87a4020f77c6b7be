/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

// Package cache implements a size-bounded, TTL'd, LRU-evicting key/value
// store with atomic disk persistence, used by the scanner to skip
// re-parsing unchanged certificate files.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Entry is a single cached value with the bookkeeping the eviction and
// persistence logic need.
type Entry struct {
	Value       any       `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	TTL         int64     `json:"ttl"`
	Size        int       `json:"size"`
	AccessCount int64     `json:"access_count"`
	LastAccess  time.Time `json:"last_access"`
}

// Expired reports whether the entry has outlived its TTL as of now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > time.Duration(e.TTL)*time.Second
}

// Stats is a snapshot of cache performance counters.
type Stats struct {
	Entries       int     `json:"entries_total"`
	CurrentBytes  int     `json:"current_size_bytes"`
	MaxBytes      int     `json:"max_size_bytes"`
	Hits          int64   `json:"cache_hits"`
	Misses        int64   `json:"cache_misses"`
	Accesses      int64   `json:"total_accesses"`
	HitRate       float64 `json:"hit_rate"`
}

// Backend persists the entry map beyond process lifetime. The memory-only
// cache type uses a no-op backend; file/redis/postgres plug in a concrete
// implementation.
type Backend interface {
	// Load returns the persisted entries, or nil if none exist yet.
	Load() (map[string]Entry, Stats, error)
	// Save writes the given entries and stats snapshot.
	Save(entries map[string]Entry, stats Stats) error
	// Close releases any resources held by the backend.
	Close() error
}

// Cache is a thread-safe, size-bounded, TTL'd, LRU-evicting store.
//
// All operations serialize through a single mutex: the store is not a hot
// path, scan throughput dominates, so simplicity wins over sharding.
type Cache struct {
	mu sync.Mutex

	data map[string]*list.Element // key -> LRU element wrapping *node
	lru  *list.List

	maxBytes     int
	defaultTTL   time.Duration
	currentBytes int

	accesses int64
	hits     int64

	backend     Backend
	cacheDir    string
	cacheFile   string
	decodeValue ValueDecoder
}

type node struct {
	key   string
	entry Entry
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMaxBytes sets the aggregate byte budget before LRU eviction kicks in.
func WithMaxBytes(n int) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithDefaultTTL sets the TTL applied to Set calls that don't specify one.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithBackend attaches a persistence backend (file, redis, postgres). A nil
// backend (the default) makes the cache purely in-memory.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// ValueDecoder turns the raw JSON a backend persisted for an entry back
// into the concrete type the caller originally stored. Without one, a
// value reloaded from a backend comes back as the generic map/slice shape
// encoding/json produces for an any, which will never satisfy a type
// assertion against the original type.
type ValueDecoder func(raw json.RawMessage) (any, error)

// WithValueDecoder registers the decoder used to re-type entries loaded
// from a persistence backend at construction time.
func WithValueDecoder(d ValueDecoder) Option {
	return func(c *Cache) { c.decodeValue = d }
}

// New constructs a Cache and loads any persisted entries from the
// configured backend, dropping ones already expired.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		data:       make(map[string]*list.Element),
		lru:        list.New(),
		maxBytes:   10 * 1024 * 1024,
		defaultTTL: time.Hour,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.backend != nil {
		entries, stats, err := c.backend.Load()
		if err != nil {
			slog.Warn("failed to load persistent cache, starting empty", "error", err)
		} else {
			now := time.Now()
			for key, entry := range entries {
				if entry.Expired(now) {
					continue
				}

				if c.decodeValue != nil {
					raw, err := json.Marshal(entry.Value)
					if err != nil {
						slog.Warn("failed to re-encode persisted cache value, dropping entry", "key", key, "error", err)
						continue
					}
					decoded, err := c.decodeValue(raw)
					if err != nil {
						slog.Warn("failed to decode persisted cache value, dropping entry", "key", key, "error", err)
						continue
					}
					entry.Value = decoded
				}

				elem := c.lru.PushFront(&node{key: key, entry: entry})
				c.data[key] = elem
				c.currentBytes += entry.Size
			}
			c.accesses = stats.Accesses
			c.hits = stats.Hits
			slog.Info("loaded persistent cache", "entries", len(c.data))
		}
	}

	return c, nil
}

// Get retrieves a value from the cache. A miss is either a never-set key or
// one whose TTL has elapsed; an expired entry is deleted on read (lazy
// expiration).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accesses++

	elem, ok := c.data[key]
	if !ok {
		return nil, false
	}

	n := elem.Value.(*node)
	if n.entry.Expired(time.Now()) {
		c.removeElement(elem)
		return nil, false
	}

	n.entry.AccessCount++
	n.entry.LastAccess = time.Now()
	c.lru.MoveToFront(elem)
	c.hits++

	return n.entry.Value, true
}

// Set admits a value into the cache under key, evicting LRU entries first
// if needed to stay within the byte budget. ttl of zero uses the cache's
// configured default. Values that cannot be canonically serialized, or
// whose own size exceeds the byte budget, are dropped with a warning; the
// caller sees no error.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	size, err := canonicalSize(value)
	if err != nil {
		slog.Warn("failed to serialize cache value, not admitted", "key", key, "error", err)
		return
	}

	if size > c.maxBytes {
		slog.Warn("cache value exceeds max bytes, not admitted", "key", key, "size", size, "max_bytes", c.maxBytes)
		return
	}

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.data[key]; exists {
		old := elem.Value.(*node)
		c.currentBytes -= old.entry.Size
		c.lru.Remove(elem)
		delete(c.data, key)
	}

	c.ensureSpace(size)

	now := time.Now()
	elem := c.lru.PushFront(&node{
		key: key,
		entry: Entry{
			Value:     value,
			Timestamp: now,
			TTL:       int64(ttl.Seconds()),
			Size:      size,
		},
	})
	c.data[key] = elem
	c.currentBytes += size
}

// ensureSpace evicts LRU entries until admitting `needed` more bytes would
// not exceed the configured byte budget. Caller must hold the lock.
func (c *Cache) ensureSpace(needed int) {
	if c.currentBytes+needed <= c.maxBytes {
		return
	}

	evicted := 0
	freed := 0

	for elem := c.lru.Back(); elem != nil; {
		if c.currentBytes+needed-freed <= c.maxBytes {
			break
		}
		prev := elem.Prev()
		n := elem.Value.(*node)
		freed += n.entry.Size
		evicted++
		c.lru.Remove(elem)
		delete(c.data, n.key)
		elem = prev
	}

	c.currentBytes -= freed

	if evicted > 0 {
		slog.Info("evicted LRU cache entries", "count", evicted, "freed_bytes", freed)
	}
}

// removeElement removes an element from both the LRU list and the map, and
// adjusts the byte accounting. Caller must hold the lock.
func (c *Cache) removeElement(elem *list.Element) {
	n := elem.Value.(*node)
	c.lru.Remove(elem)
	delete(c.data, n.key)
	c.currentBytes -= n.entry.Size
}

// Delete removes key if present, reporting whether it existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.data[key]
	if !ok {
		return false
	}

	c.removeElement(elem)
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*list.Element)
	c.lru = list.New()
	c.currentBytes = 0

	slog.Info("cache cleared")
}

// CleanupExpired sweeps the whole cache, removing expired entries, and
// returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0

	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		n := elem.Value.(*node)
		if n.entry.Expired(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}

	if removed > 0 {
		slog.Info("cleaned up expired cache entries", "count", removed)
	}

	return removed
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if c.accesses > 0 {
		hitRate = float64(c.hits) / float64(c.accesses)
	}

	return Stats{
		Entries:      len(c.data),
		CurrentBytes: c.currentBytes,
		MaxBytes:     c.maxBytes,
		Hits:         c.hits,
		Misses:       c.accesses - c.hits,
		Accesses:     c.accesses,
		HitRate:      hitRate,
	}
}

// GetHealthStatus returns the fields the HTTP /healthz handler merges in.
func (c *Cache) GetHealthStatus() map[string]any {
	stats := c.Stats()

	return map[string]any{
		"cache_entries_total":  stats.Entries,
		"cache_hit_rate":       roundTo(stats.HitRate, 3),
		"cache_total_accesses": stats.Accesses,
	}
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}

// SaveToDisk asks the configured backend to persist the current entry set
// and stats snapshot. A nil backend (pure in-memory cache) is a no-op.
// Backend write failures are logged and never block the caller.
func (c *Cache) SaveToDisk() {
	if c.backend == nil {
		return
	}

	c.mu.Lock()
	entries := make(map[string]Entry, len(c.data))
	now := time.Now()
	for key, elem := range c.data {
		n := elem.Value.(*node)
		if n.entry.Expired(now) {
			continue
		}
		entries[key] = n.entry
	}
	stats := Stats{Accesses: c.accesses, Hits: c.hits}
	c.mu.Unlock()

	if err := c.backend.Save(entries, stats); err != nil {
		slog.Error("failed to save cache to disk", "error", err)
		return
	}

	slog.Debug("cache saved to disk")
}

// Close flushes a final snapshot to the backend (if any) and releases its
// resources.
func (c *Cache) Close() error {
	c.SaveToDisk()

	if c.backend == nil {
		return nil
	}

	return c.backend.Close()
}

// MakeKey derives a stable 16-hex-character key from an identity-bearing
// argument tuple: the first 16 hex characters of the SHA-256 digest of the
// arguments' canonical string form. Collisions at 64 bits of key space are
// accepted; callers must only pass identity-bearing arguments.
func MakeKey(args ...any) string {
	s := fmt.Sprint(args)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalSize serializes v via canonical JSON (RFC 8785-style, through
// the json-canonicalization library) so that identical logical values
// always yield the same byte length regardless of map key ordering, and
// returns that length as the cache entry's accounting size.
func canonicalSize(v any) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal cache value: %w", err)
	}

	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return 0, fmt.Errorf("canonicalize cache value: %w", err)
	}

	return len(canonical), nil
}

// MaintenanceLoop runs CleanupExpired then SaveToDisk every interval, until
// stop is closed. Mirrors the cache's own periodic housekeeping task.
func (c *Cache) MaintenanceLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.CleanupExpired()
			c.SaveToDisk()
		}
	}
}
