package baseline

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MaxCacheTTL caps how long a baseline may be served from cache.
const MaxCacheTTL = 5 * time.Minute

// Key identifies one memoized baseline. Cutoff is the exclusive upper bound of
// the points that went into it, so a new latest snapshot yields a new key.
type Key struct {
	UserID     string
	Metric     string
	WindowDays int
	Cutoff     time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", k.UserID, k.Metric, k.WindowDays, k.Cutoff.UnixNano())
}

type entry struct {
	stats Stats
	ok    bool
}

// Cache memoizes baselines per (user, metric, window) with a short TTL.
// It is safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[string, entry]
	ttl time.Duration
}

// NewCache creates a cache holding at most size entries for ttl each.
// ttl is clamped to MaxCacheTTL.
func NewCache(size int, ttl time.Duration) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if size <= 0 {
		size = 1024
	}
	return &Cache{lru: expirable.NewLRU[string, entry](size, nil, ttl), ttl: ttl}
}

// Get returns the cached baseline for key, calling compute on a miss.
// Insufficient-data results are cached too.
func (c *Cache) Get(key Key, compute func() (Stats, bool)) (Stats, bool) {
	k := key.String()
	if e, hit := c.lru.Get(k); hit {
		cacheHits.Inc()
		return e.stats, e.ok
	}
	cacheMisses.Inc()

	stats, ok := compute()
	c.lru.Add(k, entry{stats: stats, ok: ok})
	return stats, ok
}

// Lookup returns the cached baseline for key without computing on a miss.
// hit is false when nothing is cached.
func (c *Cache) Lookup(key Key) (stats Stats, ok, hit bool) {
	e, hit := c.lru.Get(key.String())
	if !hit {
		return Stats{}, false, false
	}
	cacheHits.Inc()
	return e.stats, e.ok, true
}

// Invalidate drops every cached baseline for the user.
func (c *Cache) Invalidate(userID string) {
	prefix := userID + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
