// Package tasks owns the agent's task lifecycle: the periodic runners, the
// shared synchronization primitives, per-task execution statistics, and the
// suspend/resume gate the OTA flow uses. Every blocking acquire here is
// bounded; the only unbounded wait in the system is the sample-queue
// receive in the compression task.
package tasks

import (
	"context"
	"errors"
	"time"
)

var ErrAllocation = errors.New("tasks: primitive allocation failed")

// TimedMutex is a mutex whose acquire always carries a timeout. Callers
// treat an acquire timeout as a skipped cycle, never as a fatal error.
type TimedMutex struct {
	ch chan struct{}
}

func NewTimedMutex() *TimedMutex {
	return &TimedMutex{ch: make(chan struct{}, 1)}
}

// Acquire returns true on success within d. A false return means the caller
// must skip its cycle (and usually record a network-related miss).
func (m *TimedMutex) Acquire(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release must only follow a successful Acquire.
func (m *TimedMutex) Release() {
	select {
	case <-m.ch:
	default:
		panic("tasks: release of unheld mutex")
	}
}

// BinarySemaphore coalesces signals: any number of Signal calls between two
// drains collapse into one pending token.
type BinarySemaphore struct {
	ch chan struct{}
}

func NewBinarySemaphore() *BinarySemaphore {
	return &BinarySemaphore{ch: make(chan struct{}, 1)}
}

func (s *BinarySemaphore) Signal() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// DrainAll consumes every pending token and reports whether any were taken.
func (s *BinarySemaphore) DrainAll() bool {
	taken := false
	for {
		select {
		case <-s.ch:
			taken = true
		default:
			return taken
		}
	}
}

// CountingSemaphore fans configuration reloads out to consumers: the
// uploader posts one token per consumer, each consumer takes at most one
// token per cycle.
type CountingSemaphore struct {
	ch chan struct{}
}

func NewCountingSemaphore(capacity int) (*CountingSemaphore, error) {
	if capacity <= 0 {
		return nil, ErrAllocation
	}
	return &CountingSemaphore{ch: make(chan struct{}, capacity)}, nil
}

// Post adds n tokens, dropping any beyond capacity (a consumer that missed
// a token picks the change up on the next fan-out).
func (s *CountingSemaphore) Post(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.ch <- struct{}{}:
		default:
			return
		}
	}
}

// TryTake consumes one token if present.
func (s *CountingSemaphore) TryTake() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Pending reports buffered tokens (diagnostics only).
func (s *CountingSemaphore) Pending() int { return len(s.ch) }
