package service

import (
	"sync"
	"time"

	"github.com/fluxkompensator/postfixer/internal/domain/inquiry"
)

// RecentCache is a ring buffer of recently answered inquiries for fast
// dashboard access. Entries age out of view after the window even while
// still occupying a slot.
type RecentCache struct {
	entries []inquiry.Record
	size    int
	head    int
	count   int
	window  time.Duration
	mu      sync.RWMutex
}

// NewRecentCache creates a cache holding up to size records, serving only
// those younger than window.
func NewRecentCache(size int, window time.Duration) *RecentCache {
	if size <= 0 {
		size = 1000
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RecentCache{
		entries: make([]inquiry.Record, size),
		size:    size,
		window:  window,
	}
}

// Add adds a record to the ring buffer, overwriting the oldest entry if
// full.
func (c *RecentCache) Add(rec inquiry.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the cached records still inside the window at now, newest
// first.
func (c *RecentCache) Recent(now time.Time) []inquiry.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := now.Add(-c.window)
	var result []inquiry.Record
	for i := 0; i < c.count; i++ {
		// head points to the next write position, so head-1 is most recent.
		idx := (c.head - 1 - i + c.size) % c.size
		rec := c.entries[idx]
		if rec.Timestamp.Before(cutoff) {
			break
		}
		result = append(result, rec.Clone())
	}
	return result
}

// Len returns the number of entries currently buffered, expired included.
func (c *RecentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
