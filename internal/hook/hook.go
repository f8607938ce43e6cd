// Package hook implements the sequence shared by every interposed open
// entry point: guard, validate, record, resolve, forward.
//
// The ABI side (exact C signatures, reading the variadic mode) lives in the
// preload package. Everything here is plain Go and runs under test without
// being injected anywhere.
package hook

import (
	"errors"
	"fmt"

	"github.com/bmiddha/fstracer/internal/barrier"
	"github.com/bmiddha/fstracer/internal/resolve"
)

// ErrBadMode is the contract violation raised when a creating call passes
// mode bits outside ModeBits.
var ErrBadMode = errors.New("mode outside permission bits")

// Recorder receives one path per intercepted call.
type Recorder interface {
	Record(path []byte) error
}

// SinkFunc returns the recorder for a call, constructing it on first use.
type SinkFunc func() (Recorder, error)

// Invocation holds the arguments of one intercepted call that the hook
// looks at. Everything else is forwarded untouched by the caller's forward
// function. A nil Path means the caller passed no path at all; the call is
// forwarded without a record so the original can report the error.
type Invocation struct {
	Path  []byte
	Flags int
	Mode  Mode
}

// Hook binds an operation to its log and its original implementation.
type Hook[F any] struct {
	op   Op
	sink SinkFunc
	real *resolve.Symbol[F]
}

// New returns a Hook for op. lookup is consulted once, on the first call.
func New[F any](op Op, sink SinkFunc, lookup resolve.LookupFunc[F]) *Hook[F] {
	return &Hook[F]{
		op:   op,
		sink: sink,
		real: resolve.NewSymbol(op.Symbol(), lookup),
	}
}

// Op returns the operation h intercepts.
func (h *Hook[F]) Op() Op {
	return h.op
}

// Resolutions reports how many times the original was looked up.
func (h *Hook[F]) Resolutions() int {
	return h.real.Resolutions()
}

// Call runs one intercepted call of h. The path is recorded before forward
// runs, and forward receives the original implementation. Any failure along
// the way terminates the process through the barrier; Call only returns
// forward's result.
func Call[F, R any](h *Hook[F], inv Invocation, forward func(F) R) R {
	return barrier.Do(func() R {
		if !inv.Mode.Valid() {
			panic(fmt.Errorf("%s: mode %#o: %w", h.op, inv.Mode.Value, ErrBadMode))
		}
		if inv.Path != nil {
			if err := h.record(inv.Path); err != nil {
				panic(fmt.Errorf("%s: %w", h.op, err))
			}
		}
		return forward(h.real.Get())
	})
}

func (h *Hook[F]) record(path []byte) error {
	rec, err := h.sink()
	if err != nil {
		return err
	}
	return rec.Record(path)
}
