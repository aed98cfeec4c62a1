package provision

import (
	"context"
	"fmt"
	"sync"
)

var ErrNotYetAvailable = fmt.Errorf("value is not yet available")

// Deferred is a write-once value produced by some upstream step (an instance
// booting, an address being allocated) and consumed by any number of
// downstream steps. The zero value is not usable, see NewDeferred and Known.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Known returns an already resolved Deferred.
func Known[T any](v T) *Deferred[T] {
	d := NewDeferred[T]()
	d.Resolve(v)
	return d
}

// Resolve sets the value. Only the first Resolve or Fail has any effect; it
// reports whether this call was that one.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(v, nil)
}

// Fail records that the value will never become available.
func (d *Deferred[T]) Fail(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(v T, err error) bool {
	settled := false
	d.once.Do(func() {
		d.value, d.err = v, err
		close(d.done)
		settled = true
	})
	return settled
}

// Await blocks until the value is settled or 'ctx' is done.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrNotYetAvailable, ctx.Err())
	}
}

// Peek returns the value without blocking, or ErrNotYetAvailable if it hasn't
// been settled yet.
func (d *Deferred[T]) Peek() (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	default:
		var zero T
		return zero, ErrNotYetAvailable
	}
}

// Done is closed once the value is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}
