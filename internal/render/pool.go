package render

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("render pool closed")

// Pool bounds the number of concurrently checked-out workers and reuses idle
// ones. Workers are created lazily on first demand.
type Pool[T any] struct {
	slots   chan struct{}
	idle    chan T
	newFn   func(context.Context) (T, error)
	closeFn func(T) error

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of at most size workers.
func NewPool[T any](size int, newFn func(context.Context) (T, error), closeFn func(T) error) *Pool[T] {
	if size < 1 {
		size = 1
	}
	return &Pool[T]{
		slots:   make(chan struct{}, size),
		idle:    make(chan T, size),
		newFn:   newFn,
		closeFn: closeFn,
	}
}

// Size returns the maximum number of workers.
func (p *Pool[T]) Size() int {
	return cap(p.slots)
}

// Acquire blocks until a worker is free or ctx is done. Every successful
// Acquire must be paired with exactly one Release.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		<-p.slots
		return zero, ErrPoolClosed
	}

	select {
	case w := <-p.idle:
		return w, nil
	default:
	}

	w, err := p.newFn(ctx)
	if err != nil {
		<-p.slots
		return zero, err
	}
	return w, nil
}

// Release returns w to the pool. Unhealthy workers, and any worker released
// after Close, are shut down instead of reused.
func (p *Pool[T]) Release(w T, healthy bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if healthy && !p.closed {
		p.idle <- w
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_ = p.closeFn(w)
}

// Close shuts down idle workers and makes further Acquire calls fail.
// Workers still checked out are shut down when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for {
		select {
		case w := <-p.idle:
			if err := p.closeFn(w); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}
