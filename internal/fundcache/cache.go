package fundcache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
)

// State classifies a cache lookup. A tombstone means the provider confirmed
// there is no data for the symbol, which is distinct from never having asked.
type State int

const (
	Absent State = iota
	Fresh
	Tombstone
)

// Entry is one cached fundamentals payload. Data == nil marks a tombstone.
type Entry struct {
	Data      *providers.Fundamentals `json:"data"`
	CachedAt  time.Time               `json:"cached_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// Age returns how long ago the entry was cached.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Stats summarizes cache contents for the stats endpoint.
type Stats struct {
	TotalCached     int     `json:"total_cached"`
	Expired         int     `json:"expired"`
	Fresh           int     `json:"fresh"`
	CacheHitRate    float64 `json:"cache_hit_rate"` // fresh/total*100
	AverageAgeHours float64 `json:"average_age_hours"`
}

type fileFormat struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Cache is a TTL'd symbol -> fundamentals store backed by a JSON file so
// usage-quota-consuming fetches survive process restarts. Each provider gets
// its own cache instance (own file, own TTL).
type Cache struct {
	mu      sync.Mutex
	name    string
	path    string
	ttl     time.Duration
	entries map[string]Entry
	logger  *log.Logger

	now func() time.Time
}

// Open loads or creates the cache file at path. A corrupt file is replaced
// with an empty store rather than failing startup.
func Open(name, path string, ttl time.Duration, logger *log.Logger) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive, got %v", name, ttl)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache %s: create dir: %w", name, err)
	}

	c := &Cache{
		name:    name,
		path:    path,
		ttl:     ttl,
		entries: make(map[string]Entry),
		logger:  logger,
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache %s: read %s: %w", name, path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		logger.Printf("Cache %s: discarding corrupt store %s: %v", name, path, err)
		return c, nil
	}
	if ff.Entries != nil {
		c.entries = ff.Entries
	}

	observ.Log("cache_loaded", map[string]any{
		"cache":   name,
		"path":    path,
		"entries": len(c.entries),
	})
	return c, nil
}

// Lookup returns the entry for symbol. Expired entries are evicted as a side
// effect of the read and reported as Absent.
func (c *Cache) Lookup(symbol string) (Entry, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		observ.IncCounter("fundcache_miss_total", map[string]string{"cache": c.name})
		return Entry{}, Absent
	}
	if c.now().After(e.ExpiresAt) {
		delete(c.entries, symbol)
		c.saveLocked()
		observ.IncCounter("fundcache_expired_read_total", map[string]string{"cache": c.name})
		return Entry{}, Absent
	}

	observ.IncCounter("fundcache_hit_total", map[string]string{"cache": c.name})
	if e.Data == nil {
		return e, Tombstone
	}
	return e, Fresh
}

// Set stores a payload for symbol with a fresh TTL. Entries are replaced
// whole, never partially updated. A nil payload stores a tombstone.
func (c *Cache) Set(symbol string, data *providers.Fundamentals) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[symbol] = Entry{
		Data:      data,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.saveLocked()

	observ.IncCounter("fundcache_set_total", map[string]string{
		"cache":     c.name,
		"tombstone": fmt.Sprintf("%t", data == nil),
	})
}

// SetTombstone records a confirmed "no data exists" answer for symbol.
func (c *Cache) SetTombstone(symbol string) {
	c.Set(symbol, nil)
}

// Cleanup sweeps all expired entries and returns how many were evicted.
// Idempotent; safe to call on any cadence.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for symbol, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, symbol)
			evicted++
		}
	}
	if evicted > 0 {
		c.saveLocked()
		observ.IncCounterBy("fundcache_evictions_total", map[string]string{"cache": c.name}, float64(evicted))
		c.logger.Printf("Cache %s: evicted %d expired entries", c.name, evicted)
	}
	return evicted
}

// Clear empties the store (administrative operation).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]Entry)
	c.saveLocked()
	observ.Log("cache_cleared", map[string]any{"cache": c.name})
}

// Stats reports store contents at this instant. Entries past expiry that have
// not been swept yet count as expired.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Stats{TotalCached: len(c.entries)}
	var totalAge time.Duration
	for _, e := range c.entries {
		if now.After(e.ExpiresAt) {
			s.Expired++
		} else {
			s.Fresh++
		}
		totalAge += e.Age(now)
	}
	if s.TotalCached > 0 {
		s.CacheHitRate = float64(s.Fresh) / float64(s.TotalCached) * 100
		s.AverageAgeHours = totalAge.Hours() / float64(s.TotalCached)
	}
	return s
}

// Flush forces a save; used at shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFile()
}

// saveLocked persists best-effort; a failed save must not fail the caller's
// cache operation.
func (c *Cache) saveLocked() {
	if err := c.writeFile(); err != nil {
		c.logger.Printf("Cache %s: save failed: %v", c.name, err)
		observ.IncCounter("fundcache_save_error_total", map[string]string{"cache": c.name})
	}
}

func (c *Cache) writeFile() error {
	data, err := json.MarshalIndent(fileFormat{Version: 1, Entries: c.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
