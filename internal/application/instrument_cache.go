package application

import (
	"sync"
	"time"
)

// instrumentCache stores recent instrument listings. Expired entries are kept
// so the catalog can fall back to them while the backend is unreachable.
type instrumentCache struct {
	mu         sync.RWMutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]instrumentCacheEntry
}

type instrumentCacheEntry struct {
	instruments []Instrument
	fetchedAt   time.Time
	expiresAt   time.Time
}

func newInstrumentCache(ttl time.Duration, maxEntries int, now func() time.Time) *instrumentCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 16
	}
	if now == nil {
		now = time.Now
	}
	return &instrumentCache{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]instrumentCacheEntry),
	}
}

// Get returns the cached listing for key and whether it is still fresh.
func (c *instrumentCache) Get(key string) (instruments []Instrument, fetchedAt time.Time, fresh bool, ok bool) {
	if c == nil {
		return nil, time.Time{}, false, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, false, false
	}
	fresh = !c.now().After(entry.expiresAt)
	return cloneInstruments(entry.instruments), entry.fetchedAt, fresh, true
}

func (c *instrumentCache) Store(key string, instruments []Instrument) time.Time {
	if c == nil {
		return time.Time{}
	}
	cloned := cloneInstruments(instruments)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = instrumentCacheEntry{instruments: cloned, fetchedAt: now, expiresAt: now.Add(c.ttl)}
	return now
}

func (c *instrumentCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	for key, entry := range c.entries {
		entry.expiresAt = time.Time{}
		c.entries[key] = entry
	}
	c.mu.Unlock()
}

func (c *instrumentCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.fetchedAt.Before(oldest) {
			oldestKey, oldest, found = key, entry.fetchedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

func cloneInstruments(instruments []Instrument) []Instrument {
	if len(instruments) == 0 {
		return nil
	}
	out := make([]Instrument, len(instruments))
	copy(out, instruments)
	return out
}
