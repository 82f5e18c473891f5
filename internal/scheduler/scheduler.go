// Package scheduler centralizes timer handling for call timeouts, heartbeat
// deadlines, and orchestration pauses. Every deferred it hands out is
// cancellable, so cleanup is structural instead of per-call bookkeeping.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Timer is a cancellable, reschedulable deferred tick.
type Timer struct {
	mu    sync.Mutex
	inner *time.Timer
	c     chan time.Time
	done  bool
}

// After returns a Timer that fires once after d.
func After(d time.Duration) *Timer {
	t := &Timer{c: make(chan time.Time, 1)}
	t.inner = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	select {
	case t.c <- time.Now():
	default:
	}
}

// C yields at most one tick. After Stop it never yields.
func (t *Timer) C() <-chan time.Time { return t.c }

// Stop cancels the timer. It is safe to call more than once and after firing.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.inner.Stop()
}

// Reset reschedules the timer to fire after d, dropping any undelivered tick.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.inner.Stop()
	select {
	case <-t.c:
	default:
	}
	t.inner.Reset(d)
}

// Sleep blocks for d or until ctx is canceled. It reports false when the
// context ended the sleep early.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
