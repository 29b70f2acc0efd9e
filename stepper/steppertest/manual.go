// Package steppertest provides a deterministic Scheduler.
package steppertest

import (
	"sort"
	"sync"
	"time"

	"github.com/wippyai/realm-runner/stepper"
)

type timer struct {
	at  time.Time
	seq int
	fn  func()
}

// Manual is a Scheduler whose clock only moves when told to.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*timer
	delays []time.Duration
}

func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0), timers: make(map[int]*timer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) stepper.Cancel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.timers[id] = &timer{at: m.now.Add(d), seq: id, fn: fn}
	m.delays = append(m.delays, d)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, id)
	}
}

// Advance moves the clock by d and runs every callback that came due, in
// due order. Callbacks scheduled while advancing run too if they fall
// inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		next := m.due(end)
		if next == nil {
			m.now = end
			m.mu.Unlock()
			return
		}
		delete(m.timers, next.seq)
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

func (m *Manual) due(end time.Time) *timer {
	var ready []*timer
	for _, t := range m.timers {
		if !t.at.After(end) {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].at.Equal(ready[j].at) {
			return ready[i].seq < ready[j].seq
		}
		return ready[i].at.Before(ready[j].at)
	})
	return ready[0]
}

// Pending is the number of callbacks not yet run or cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Delays lists every delay passed to After, in call order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}
