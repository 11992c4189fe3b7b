package engine

import (
	"sync"
	"time"
)

// deadline is the whole-execution budget of one driver run. It fires once
// through a timer and can also be checked lazily, so an expiry is noticed
// at the next state boundary even if the timer callback is still pending.
type deadline struct {
	mu    sync.Mutex
	at    time.Time
	timer *time.Timer
	fire  func()
}

// newDeadline arms a deadline at the given instant. A zero instant never fires.
func newDeadline(at time.Time, fire func()) *deadline {
	d := &deadline{at: at, fire: fire}
	if !at.IsZero() {
		d.timer = time.AfterFunc(time.Until(at), fire)
	}
	return d
}

// At returns the current expiry instant.
func (d *deadline) At() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.at
}

func (d *deadline) expired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.at.IsZero() && !now.Before(d.at)
}

// extend pushes the expiry back by delta and re-arms the timer.
func (d *deadline) extend(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.at.IsZero() || delta <= 0 {
		return
	}
	d.at = d.at.Add(delta)
	if d.timer != nil && d.timer.Stop() {
		d.timer.Reset(time.Until(d.at))
	}
}

// stop disarms the timer. The expiry instant is kept for remaining().
func (d *deadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// remaining returns the budget left at now, never negative. A deadline
// without an expiry reports zero.
func (d *deadline) remaining(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.at.IsZero() || now.After(d.at) {
		return 0
	}
	return d.at.Sub(now)
}
