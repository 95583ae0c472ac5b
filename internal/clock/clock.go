// Package clock lets the polling loop and the key debouncer run against
// real time in production and a manual clock in tests.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package used by the control loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// NewReal returns the wall clock.
func NewReal() Clock { return clockwork.NewRealClock() }

// Manual is a test clock. Time only moves through Advance or After;
// After advances the clock by d and fires immediately, so a loop waiting
// on it runs without real delays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	m.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}
