// Package ratelimit admits at most a fixed number of callers per rolling
// time unit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("ratelimit: timed out waiting to proceed")

// RateGate keeps one slot per admission allowed in a unit. A slot holds the
// instant it becomes usable; an admission takes the earliest slot once that
// instant has passed and puts back a slot usable one unit later. Slots are
// kept in a ring so the earliest is always the next one.
type RateGate struct {
	capacity int
	unit     time.Duration

	lock  sync.Mutex
	slots []time.Time
	next  int
}

func NewRateGate(capacity int, unit time.Duration) (*RateGate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if unit <= 0 {
		return nil, fmt.Errorf("time unit must be positive, got %s", unit)
	}

	return &RateGate{
		capacity: capacity,
		unit:     unit,
		slots:    make([]time.Time, capacity),
	}, nil
}

func (g *RateGate) Capacity() int {
	return g.capacity
}

func (g *RateGate) Unit() time.Duration {
	return g.unit
}

// WaitToProceed blocks until the caller is admitted or ctx is done
func (g *RateGate) WaitToProceed(ctx context.Context) error {
	for {
		wait := g.tryAdmit()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

// tryAdmit takes the earliest slot if it is usable, otherwise it returns how
// long until it will be
func (g *RateGate) tryAdmit() time.Duration {
	g.lock.Lock()
	defer g.lock.Unlock()

	now := time.Now()
	if wait := g.slots[g.next].Sub(now); wait > 0 {
		return wait
	}
	g.slots[g.next] = now.Add(g.unit)
	g.next = (g.next + 1) % g.capacity
	return 0
}

// WaitToProceedTimeout is WaitToProceed bounded by a plain duration. It
// reports whether the caller was admitted.
func (g *RateGate) WaitToProceedTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return g.WaitToProceed(ctx) == nil
}
