package dispatch

import (
	"strings"
	"sync"
	"time"
)

// TriggerCounter counts dispatches per cooldown key per UTC day.
type TriggerCounter struct {
	mu     sync.Mutex
	counts map[string]dayCount
}

type dayCount struct {
	day   string
	count int
}

// NewTriggerCounter creates an empty counter.
func NewTriggerCounter() *TriggerCounter {
	return &TriggerCounter{counts: make(map[string]dayCount)}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Incr records a dispatch of key at t and returns the count for t's UTC day.
func (c *TriggerCounter) Incr(key string, t time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := utcDay(t)
	dc := c.counts[key]
	if dc.day != day {
		dc = dayCount{day: day}
	}
	dc.count++
	c.counts[key] = dc
	return dc.count
}

// Count returns how often key fired on now's UTC day.
func (c *TriggerCounter) Count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc, ok := c.counts[key]
	if !ok || dc.day != utcDay(now) {
		return 0
	}
	return dc.count
}

// Snapshot returns the counts for now's UTC day of every key with prefix.
func (c *TriggerCounter) Snapshot(prefix string, now time.Time) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := utcDay(now)
	out := make(map[string]int)
	for k, dc := range c.counts {
		if dc.day == day && strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = dc.count
		}
	}
	return out
}
