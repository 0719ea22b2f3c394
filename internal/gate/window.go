package gate

import (
	"sync"
	"time"
)

// Window is a sliding window rate policy: at most max accepted submissions
// in any period. Timestamps live in a circular buffer of size max.
//
// Thread-safety: Window is safe for concurrent use via internal mutex.
type Window struct {
	max    int
	period time.Duration
	now    func() time.Time

	stamps []time.Time
	head   int
	count  int

	mu sync.Mutex
}

// NewWindow creates a window. limit <= 0 disables the limit. A nil now uses
// time.Now.
func NewWindow(limit int, period time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	w := &Window{max: limit, period: period, now: now}
	if limit > 0 {
		w.stamps = make([]time.Time, limit)
	}
	return w
}

// Allow records one submission if the window has room. Otherwise it
// returns false and how long until the oldest submission leaves the
// window. Check and record are one atomic step.
func (w *Window) Allow() (bool, time.Duration) {
	if w.max <= 0 {
		return true, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.cleanup(now)
	if w.count >= w.max {
		wait := w.stamps[w.head].Add(w.period).Sub(now)
		return false, max(wait, 0)
	}
	w.stamps[(w.head+w.count)%w.max] = now
	w.count++
	return true, 0
}

// Release gives back the most recently taken slot, for a submission that
// was allowed but never accepted.
func (w *Window) Release() {
	if w.max <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 {
		w.count--
	}
}

// Remaining returns how many submissions the window would accept now, or
// -1 when there is no limit.
func (w *Window) Remaining() int {
	if w.max <= 0 {
		return -1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanup(w.now())
	return w.max - w.count
}

// cleanup drops stamps that are a full period old. A stamp exactly one
// period old has left the window.
func (w *Window) cleanup(now time.Time) {
	cutoff := now.Add(-w.period)
	for w.count > 0 && !w.stamps[w.head].After(cutoff) {
		w.head = (w.head + 1) % w.max
		w.count--
	}
}
