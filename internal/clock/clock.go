// Package clock abstracts wall time for the timing test.
//
// The test waits out real pulse intervals with Sleep and the simulated device
// reads the same clock, so swapping Real for a Manual clock makes a full
// three-domain run finish instantly and deterministically.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock tells time and waits.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time {
	return time.Now()
}

// Sleep implements Clock.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Epoch is where a Manual clock starts unless told otherwise.
var Epoch = time.Unix(1_700_000_000, 0).UTC()

// Manual is a clock that only moves when told to. Sleep advances it by the
// requested duration and returns at once.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

// NewManual creates a manual clock at Epoch.
func NewManual() *Manual {
	return NewManualAt(Epoch)
}

// NewManualAt creates a manual clock at t.
func NewManualAt(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep implements Clock.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.slept = append(m.slept, d)
	return nil
}

// Advance moves the clock forward by d without recording a sleep.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Slept returns every duration passed to Sleep, in order.
func (m *Manual) Slept() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.slept...)
}
