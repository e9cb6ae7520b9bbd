package executor

import (
	"sync"
	"time"
)

// Dedup remembers which decision ids were sent to a venue. A claim lasts ttl;
// Release gives it back when the venue provably did not act.
type Dedup struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	until map[string]time.Time
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, now: time.Now, until: make(map[string]time.Time)}
}

// Claim reports whether id was free and, if so, takes it.
func (d *Dedup) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.until[id]; ok && now.Before(exp) {
		return false
	}
	d.until[id] = now.Add(d.ttl)
	return true
}

func (d *Dedup) Release(id string) {
	d.mu.Lock()
	delete(d.until, id)
	d.mu.Unlock()
}

// Sweep drops expired claims and returns how many remain.
func (d *Dedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, exp := range d.until {
		if !now.Before(exp) {
			delete(d.until, id)
		}
	}
	return len(d.until)
}
