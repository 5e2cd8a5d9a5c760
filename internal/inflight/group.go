// Package inflight collapses concurrent work for the same key into a single execution.
//
// A flight runs on its own goroutine under a context derived from the Group's base
// context. Callers that wait with Do hold a reference; when every waiter has gone
// away the flight context is cancelled. Flights started with Start are detached
// and only stop when the base context ends.
package inflight

import (
	"context"
	"fmt"
	"sync"
)

// Func is the unit of work executed once per in-flight key.
type Func[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done     chan struct{}
	val      T
	err      error
	waiters  int
	detached bool
	cancel   context.CancelFunc
}

// Group tracks in-flight work keyed by string.
type Group[T any] struct {
	base  context.Context
	mu    sync.Mutex
	calls map[string]*call[T]
}

// New creates a Group whose flights inherit cancellation from base.
func New[T any](base context.Context) *Group[T] {
	if base == nil {
		base = context.Background()
	}
	return &Group[T]{
		base:  base,
		calls: make(map[string]*call[T]),
	}
}

// Do joins the flight for key, starting fn if none is running, and waits for
// its outcome. shared reports whether the result came from a flight started by
// another caller. If ctx ends first, Do returns ctx's error and releases its
// reference on the flight.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (v T, shared bool, err error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if !ok {
		c = g.launch(key, fn)
	}
	c.waiters++
	g.mu.Unlock()

	select {
	case <-c.done:
		g.leave(c)
		return c.val, ok, c.err
	case <-ctx.Done():
		g.leave(c)
		var zero T
		return zero, ok, fmt.Errorf("wait for in-flight %q: %w", key, ctx.Err())
	}
}

// Start launches fn for key in the background unless a flight already exists.
// It reports whether a new flight was started. Background flights are not
// cancelled when request waiters leave.
func (g *Group[T]) Start(key string, fn Func[T]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		c.detached = true
		return false
	}
	c := g.launch(key, fn)
	c.detached = true
	return true
}

// InFlight reports whether work for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

// Len returns the number of running flights.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// launch must be called with g.mu held.
func (g *Group[T]) launch(key string, fn Func[T]) *call[T] {
	ctx, cancel := context.WithCancel(g.base)
	c := &call[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	g.calls[key] = c
	go g.run(ctx, key, c, fn)
	return c
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn Func[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			c.err = fmt.Errorf("in-flight %q panicked: %v", key, rec)
		}
		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		c.cancel()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
}

func (g *Group[T]) leave(c *call[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters <= 0 && !c.detached {
		select {
		case <-c.done:
		default:
			c.cancel()
		}
	}
}

func (g *Group[T]) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}
