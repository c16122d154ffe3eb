package risk

import (
	"sync"
	"time"
)

// BurstTracker counts events per key inside a rolling window.
type BurstTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

func NewBurstTracker(window time.Duration) *BurstTracker {
	return &BurstTracker{window: window, events: make(map[string][]time.Time)}
}

// Record adds an event for key at the given time and returns how many events
// for key fall inside the window ending at that time, including this one.
func (t *BurstTracker) Record(key string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.trim(key, at)
	kept = append(kept, at)
	t.events[key] = kept
	return len(kept)
}

// Count reports the events for key inside the window ending at now.
func (t *BurstTracker) Count(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.trim(key, now)
	if len(kept) == 0 {
		delete(t.events, key)
		return 0
	}
	t.events[key] = kept
	return len(kept)
}

// Prune drops keys with no events left in the window.
func (t *BurstTracker) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.events {
		if kept := t.trim(key, now); len(kept) == 0 {
			delete(t.events, key)
		} else {
			t.events[key] = kept
		}
	}
}

func (t *BurstTracker) trim(key string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	events := t.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
