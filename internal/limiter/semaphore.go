// Package limiter bounds how many expensive producer operations run at once.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// Semaphore is a counting semaphore with FIFO waiters.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	observe  func(inUse int64)
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithObserver registers a callback invoked with the permit count after every change.
func WithObserver(fn func(inUse int64)) Option {
	return func(s *Semaphore) {
		s.observe = fn
	}
}

// New creates a Semaphore with the given capacity.
func New(capacity int, opts ...Option) (*Semaphore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("limiter capacity must be > 0, got %d", capacity)
	}
	s := &Semaphore{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire blocks until a permit is available or ctx ends. The returned release
// function is safe to call more than once; only the first call frees the permit.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	return s.granted(), nil
}

// TryAcquire takes a permit without waiting.
func (s *Semaphore) TryAcquire() (func(), bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return s.granted(), true
}

// AcquireWithin waits at most wait for a permit. A zero wait fails fast.
// Saturation is reported as artifact.ErrTooManyRequests.
func (s *Semaphore) AcquireWithin(ctx context.Context, wait time.Duration) (func(), error) {
	if release, ok := s.TryAcquire(); ok {
		return release, nil
	}
	if wait <= 0 {
		return nil, artifact.ErrTooManyRequests
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	release, err := s.Acquire(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, artifact.ErrTooManyRequests
		}
		return nil, err
	}
	return release, nil
}

// Available returns how many permits are currently free.
func (s *Semaphore) Available() int {
	return int(s.capacity - s.inUse.Load())
}

// Capacity returns the configured number of permits.
func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}

func (s *Semaphore) granted() func() {
	s.notify(s.inUse.Add(1))
	var once sync.Once
	return func() {
		once.Do(func() {
			s.notify(s.inUse.Add(-1))
			s.sem.Release(1)
		})
	}
}

func (s *Semaphore) notify(inUse int64) {
	if s.observe != nil {
		s.observe(inUse)
	}
}
