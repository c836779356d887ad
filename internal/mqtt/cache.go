package mqtt

import (
	"sync"
	"time"
)

// cacheEntry is the last value transmitted for an entity.
type cacheEntry struct {
	value string
	at    time.Time
}

// StateCache suppresses redundant state publishes. A value is sent when
// it is new, when it differs from the last value sent, or when the last
// send is at least the republish interval old. The last rule keeps
// HA's own availability logic from expiring static sensors such as the
// hostname.
//
// StateCache is safe for concurrent use.
type StateCache struct {
	interval time.Duration

	mu      sync.Mutex
	entries map[EntityKey]cacheEntry
}

// NewStateCache returns an empty cache. A non-positive interval
// disables heartbeat republishing, leaving only change detection.
func NewStateCache(republish time.Duration) *StateCache {
	return &StateCache{
		interval: republish,
		entries:  make(map[EntityKey]cacheEntry),
	}
}

// ShouldPublish reports whether value should be sent for key at now,
// and if so records (value, now) as the new last-sent entry. When it
// returns false the stored entry is left untouched.
func (c *StateCache) ShouldPublish(key EntityKey, value string, now time.Time) bool {
	ok, _ := c.decide(key, value, now)
	return ok
}

// decide is ShouldPublish with an undo func that restores the previous
// entry. The engine undoes the record when the broker publish fails, so
// an entry only ever reflects a completed transmission.
func (c *StateCache) decide(key EntityKey, value string, now time.Time) (bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.entries[key]
	if had && prev.value == value && (c.interval <= 0 || now.Sub(prev.at) < c.interval) {
		return false, func() {}
	}

	next := cacheEntry{value: value, at: now}
	c.entries[key] = next
	return true, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Leave newer records alone.
		if cur, ok := c.entries[key]; !ok || cur != next {
			return
		}
		if had {
			c.entries[key] = prev
		} else {
			delete(c.entries, key)
		}
	}
}

// Last returns the last transmitted value for key and when it was sent.
func (c *StateCache) Last(key EntityKey) (value string, at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, e.at, ok
}

// Len returns the number of entities with a transmitted value.
func (c *StateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
