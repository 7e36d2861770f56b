package sa

import (
	"sync"
	"time"
)

// leaseTimer runs the service lease check. The callback returns the delay
// until the next check.
type leaseTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	check    func() time.Duration
	stopped  bool
}

func newLeaseTimer(check func() time.Duration) *leaseTimer {
	return &leaseTimer{check: check, stopped: true}
}

// Start arms the timer to fire after d
func (l *leaseTimer) Start(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = false
	l.armLocked(d)
}

// Trim brings the next check forward to at most d from now
func (l *leaseTimer) Trim(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if l.timer != nil && !l.deadline.After(time.Now().Add(d)) {
		return
	}
	l.armLocked(d)
}

// Stop disarms the timer. A check already running finishes.
func (l *leaseTimer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *leaseTimer) armLocked(d time.Duration) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.deadline = time.Now().Add(d)
	l.timer = time.AfterFunc(d, l.fire)
}

func (l *leaseTimer) fire() {
	next := l.check()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	// a Trim during the check may have armed a sooner deadline
	if l.timer != nil && l.deadline.After(time.Now()) && !l.deadline.After(time.Now().Add(next)) {
		return
	}
	l.armLocked(next)
}
