// Package overlaycache memoizes forecast overlay results. Forecasts are the
// expensive overlay to recompute server-side, so repeat fetches for an
// unchanged filter scope are answered locally.
package overlaycache

import (
	"strconv"
	"strings"
	"sync"

	"metricsync/internal/metrics"
	"metricsync/internal/models"
)

// Cache is an unbounded keyed store. There is no eviction and no TTL;
// correctness depends on the filter controller calling Clear whenever the
// filter scope (source, metric, date range) changes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]models.ForecastPoint
}

func New() *Cache {
	return &Cache{entries: make(map[string][]models.ForecastPoint)}
}

// Key builds the composite cache key for a filter tuple. Range-mode keys use
// (start,end); horizon-mode keys use (horizon,nonce). The mode tag keeps the
// two families from ever colliding.
func Key(f models.FilterTuple) string {
	parts := []string{f.SourceName, f.Metric}
	if f.Horizon > 0 {
		parts = append(parts, "horizon", strconv.Itoa(f.Horizon), f.Nonce)
	} else {
		parts = append(parts, "range", f.StartDate, f.EndDate)
	}
	return strings.Join(parts, "|")
}

// Get returns the cached sequence for key, if present.
func (c *Cache) Get(key string) ([]models.ForecastPoint, bool) {
	c.mu.RLock()
	pts, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		metrics.ForecastCacheTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.ForecastCacheTotal.WithLabelValues("miss").Inc()
	}
	return pts, ok
}

// Set stores a sequence under key, replacing any previous entry.
func (c *Cache) Set(key string, pts []models.ForecastPoint) {
	c.mu.Lock()
	c.entries[key] = pts
	c.mu.Unlock()
}

// Clear drops every entry. Invalidation is wholesale: any scope change
// empties the cache rather than evicting by key.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]models.ForecastPoint)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
