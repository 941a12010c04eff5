package ws

import "time"

// admissionWindow is the per-connection sliding-window limiter. Timestamps
// are appended in increasing order, so expiry is a prefix trim. The struct
// is owned by a single connection goroutine and needs no locking. Go's
// time.Time carries a monotonic reading, so wall-clock adjustments do not
// skew the window.
type admissionWindow struct {
	window time.Duration
	max    int
	now    func() time.Time
	times  []time.Time
}

func newAdmissionWindow(window time.Duration, max int) *admissionWindow {
	return &admissionWindow{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// Admit reports whether one more request fits the window, recording the
// admission timestamp when it does. Rejection consumes no budget and leaves
// the window untouched.
func (w *admissionWindow) Admit() bool {
	now := w.now()
	cutoff := now.Add(-w.window)

	trim := 0
	for trim < len(w.times) && !w.times[trim].After(cutoff) {
		trim++
	}
	if trim > 0 {
		w.times = append(w.times[:0], w.times[trim:]...)
	}

	if len(w.times) >= w.max {
		return false
	}

	w.times = append(w.times, now)
	return true
}

// RetryAfterSeconds is the fixed retry hint reported on rejection. The
// gateway does not compute a precise earliest-retry time.
func (w *admissionWindow) RetryAfterSeconds() int {
	return int(w.window / time.Second)
}
