// Package resolve finds the original implementation of an interposed symbol
// exactly once per process.
package resolve

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned by a LookupFunc when no later definition of the
// symbol exists.
var ErrNotFound = errors.New("symbol not found")

// LookupFunc returns the next definition of name after the caller's own.
type LookupFunc[F any] func(name string) (F, error)

// Symbol is a lazily resolved reference to the original implementation of
// one operation. Once resolved it never changes.
type Symbol[F any] struct {
	name   string
	lookup LookupFunc[F]

	once  sync.Once
	fn    F
	err   error
	count atomic.Int32
}

// NewSymbol returns an unresolved Symbol for name.
func NewSymbol[F any](name string, lookup LookupFunc[F]) *Symbol[F] {
	return &Symbol[F]{name: name, lookup: lookup}
}

// Get returns the resolved implementation, running the lookup on first use.
// Concurrent first callers wait for the single lookup. Get panics if the
// lookup fails: there is nothing sensible to forward to.
func (s *Symbol[F]) Get() F {
	fn, err := s.Resolve()
	if err != nil {
		panic(err)
	}
	return fn
}

// Resolve is Get without the panic. A failed lookup is not retried.
func (s *Symbol[F]) Resolve() (F, error) {
	s.once.Do(func() {
		s.count.Add(1)
		if s.lookup == nil {
			s.err = fmt.Errorf("resolve %s: no lookup configured", s.name)
			return
		}
		s.fn, s.err = s.lookup(s.name)
		if s.err != nil {
			s.err = fmt.Errorf("resolve %s: %w", s.name, s.err)
		}
	})
	return s.fn, s.err
}

// Resolutions reports how many times the lookup ran: 0 or 1.
func (s *Symbol[F]) Resolutions() int {
	return int(s.count.Load())
}
