package serial

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Forever may be passed to Mutex.Lock to wait without a deadline.
const Forever time.Duration = -1

// Mutex is a session lock with timed acquisition. Lock(0) is a non-blocking
// poll, that reports ErrTimeout if the lock is held elsewhere.
//
// Unlike sync.Mutex, a Mutex must be created with NewMutex.
type Mutex struct {
	sem    *semaphore.Weighted
	locked atomic.Bool
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock acquires the lock, waiting at most timeout. A zero timeout polls, a
// negative timeout (see Forever) waits indefinitely.
func (m *Mutex) Lock(timeout time.Duration) error {
	switch {
	case timeout == 0:
		if !m.sem.TryAcquire(1) {
			return ErrTimeout
		}
	case timeout < 0:
		// cannot fail, the context is never done
		_ = m.sem.Acquire(context.Background(), 1)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("lock after %s: %w", timeout, ErrTimeout)
		}
	}
	m.locked.Store(true)
	return nil
}

// Unlock releases the lock. Unlocking an unlocked Mutex reports
// ErrInvalidState, rather than panicking.
func (m *Mutex) Unlock() error {
	if !m.locked.CompareAndSwap(true, false) {
		return fmt.Errorf("unlock: %w", ErrInvalidState)
	}
	m.sem.Release(1)
	return nil
}
