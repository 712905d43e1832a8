package lifecycle

import "time"

// CancelHandle cancels a scheduled callback. Cancel reports whether the
// callback was stopped before it started; a false result means it already
// ran or is running.
type CancelHandle interface {
	Cancel() bool
}

// Scheduler runs a callback once after a duration. Timers are independent of
// each other.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) CancelHandle
}

// WallClock schedules callbacks on the runtime timer heap.
type WallClock struct{}

// Schedule implements Scheduler.
func (WallClock) Schedule(d time.Duration, fn func()) CancelHandle {
	if d < 0 {
		d = 0
	}
	return wallTimer{t: time.AfterFunc(d, fn)}
}

type wallTimer struct{ t *time.Timer }

func (w wallTimer) Cancel() bool { return w.t.Stop() }
