// Package cache holds the latest mark per symbol for TP/SL checks and equity.
package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded last-price table keyed by upper-case symbol.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) shard(symbol string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores price observed at ts. Non-positive prices and updates older than
// the stored one are ignored; the return value reports whether it was stored.
func (c *PriceCache) Set(symbol string, price float64, ts time.Time) bool {
	if price <= 0 || symbol == "" {
		return false
	}
	symbol = strings.ToUpper(symbol)
	if ts.IsZero() {
		ts = time.Now()
	}
	s := c.shard(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[symbol]; ok && ts.Before(cur.updatedAt) {
		return false
	}
	s.items[symbol] = priceEntry{price: price, updatedAt: ts}
	return true
}

// Get returns the last price for symbol.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	p, _, ok := c.GetWithAge(symbol)
	return p, ok
}

// GetWithAge returns the last price and how long ago it was observed.
func (c *PriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	symbol = strings.ToUpper(symbol)
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return e.price, time.Since(e.updatedAt), true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot copies every price not older than maxAge. maxAge <= 0 copies all.
func (c *PriceCache) Snapshot(maxAge time.Duration) map[string]float64 {
	out := make(map[string]float64)
	now := time.Now()
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			if maxAge > 0 && now.Sub(e.updatedAt) > maxAge {
				continue
			}
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}

// Cleanup removes entries older than maxAge and returns how many went.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats summarizes the cache for the metrics endpoint.
type Stats struct {
	Symbols   int           `json:"symbols"`
	OldestAge time.Duration `json:"oldest_age_ns"`
	NewestAge time.Duration `json:"newest_age_ns"`
}

func (c *PriceCache) Stats() Stats {
	var st Stats
	var oldest, newest time.Time
	for _, s := range c.shards {
		s.mu.RLock()
		st.Symbols += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
			if e.updatedAt.After(newest) {
				newest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		st.OldestAge = time.Since(oldest)
		st.NewestAge = time.Since(newest)
	}
	return st
}
