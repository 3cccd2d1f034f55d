package sched

import (
	"sync"
	"time"
)

// WakeupScheduler coalesces every pending retry, probe, and
// queue-timeout instant into a single timer. Scheduling a wakeup only
// ever tightens the timer: a later-scheduled, larger delay never pushes
// an armed earlier wakeup back.
type WakeupScheduler struct {
	mu     sync.Mutex
	timer  *time.Timer
	fireAt time.Time
	gen    uint64
	c      chan time.Time
	now    func() time.Time
}

// NewWakeupScheduler creates a wakeup scheduler. Fires are delivered on
// C; a fire that arrives while a previous one is unconsumed is merged
// into it.
func NewWakeupScheduler() *WakeupScheduler {
	return &WakeupScheduler{
		c:   make(chan time.Time, 1),
		now: time.Now,
	}
}

// C returns the fire channel.
func (w *WakeupScheduler) C() <-chan time.Time {
	return w.c
}

// Schedule arms the timer for fireAt. If a timer is already armed for
// an earlier instant the call is a no-op.
func (w *WakeupScheduler) Schedule(fireAt time.Time) {
	if fireAt.IsZero() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil && !w.fireAt.IsZero() && !fireAt.Before(w.fireAt) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.fireAt = fireAt

	delay := time.Until(fireAt)
	if w.now != nil {
		delay = fireAt.Sub(w.now())
	}
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, func() { w.fire(gen) })
}

func (w *WakeupScheduler) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		// A tighter deadline superseded this timer.
		w.mu.Unlock()
		return
	}
	w.fireAt = time.Time{}
	w.timer = nil
	now := w.now()
	w.mu.Unlock()

	select {
	case w.c <- now:
	default:
	}
}

// NextFireAt returns the armed fire instant, zero when idle.
func (w *WakeupScheduler) NextFireAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fireAt
}

// Stop disarms the timer.
func (w *WakeupScheduler) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.fireAt = time.Time{}
}
