package stepper

import "time"

// Cancel stops a scheduled callback if it has not run yet.
type Cancel func()

// Scheduler runs callbacks after a delay. Stepper never touches timers
// directly, so tests can swap in a manual clock.
type Scheduler interface {
	After(d time.Duration, fn func()) Cancel
	Now() time.Time
}

type realScheduler struct{}

// RealTime schedules on the wall clock.
func RealTime() Scheduler { return realScheduler{} }

func (realScheduler) After(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (realScheduler) Now() time.Time { return time.Now() }
