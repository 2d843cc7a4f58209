// Package permit provides a binary permit that guards the open/close
// boundary of a single device slot.
//
// Unlike sync.Mutex a permit may be released by a different goroutine than
// the one that acquired it: a slot acquires its permit when it requests an
// open and releases it from the device callback that reports the outcome.
package permit

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is how long open and close wait for a contended permit.
const DefaultTimeout = 2500 * time.Millisecond

var (
	// ErrNotHeld is returned by Release when the permit was not held.
	ErrNotHeld = errors.New("permit: release of a permit that is not held")
	// ErrTimeout is returned when the permit could not be acquired in time.
	ErrTimeout = errors.New("permit: acquire timed out")
)

// Permit is a binary semaphore. The zero value is not usable; call New.
type Permit struct {
	sem chan struct{}
}

// New returns an available permit.
func New() *Permit {
	return &Permit{sem: make(chan struct{}, 1)}
}

// TryAcquire waits up to timeout for the permit and reports whether it was taken.
// A non-positive timeout only succeeds if the permit is immediately available.
func (p *Permit) TryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case p.sem <- struct{}{}:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// Acquire blocks until the permit is taken or ctx is done.
func (p *Permit) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// Release returns the permit. Releasing a permit that is not held is a
// caller bug; it is reported as ErrNotHeld and leaves the permit available.
func (p *Permit) Release() error {
	select {
	case <-p.sem:
		return nil
	default:
		return ErrNotHeld
	}
}

// Held reports whether the permit is currently taken.
func (p *Permit) Held() bool {
	return len(p.sem) == 1
}
