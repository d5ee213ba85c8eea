package executor

import (
	"sync"
	"time"
)

// Dedup rejects repeat entries of the same instrument within a time-to-live
// window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // signal key -> last entry time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as a duplicate if it was
// recorded within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SetClock replaces the wall clock.
func (d *Dedup) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Seen reports whether key was recorded within the TTL window without
// recording it.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.seen[key]
	return ok && d.now().Sub(last) < d.ttl
}

// Record marks key as entered now. Call it only after the entry filled so a
// failed order can be retried next cycle.
func (d *Dedup) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.now()
}

// Cleanup removes entries older than the TTL.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
