package provision

import (
	"context"
	"errors"
	"slices"
)

type (
	// stack collects the teardown of a step's session.
	stack struct {
		Destructors []destructor
	}
	destructor func(ctx context.Context) error
)

// Push adds a destructor, to be run in the reverse order destructors were
// added.
func (s *stack) Push(d destructor) {
	s.Destructors = append(s.Destructors, d)
}

// PushCloser adds the Close method of 'c' as a destructor.
func (s *stack) PushCloser(c interface{ Close() error }) {
	s.Push(func(context.Context) error { return c.Close() })
}

// Destroy calls all accumulated destructors in reverse order, returning all
// encountered errors joined. The stack is empty afterwards.
func (s *stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.Destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.Destructors = nil
	return errs
}
