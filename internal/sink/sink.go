// Package sink implements the observation log: one line of raw path bytes
// per intercepted call, appended under a process-wide lock.
package sink

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Env names the environment variable holding the log destination.
const Env = "FSTRACER_OUTPUT"

// ErrNoDestination is returned when Env is unset or empty.
var ErrNoDestination = errors.New(Env + " is not set")

var newline = []byte{'\n'}

// Sink is an open log destination.
type Sink struct {
	mu sync.Mutex
	fd int
}

// Open creates or truncates path and returns a Sink writing to it. It uses
// the openat syscall directly and never goes through libc, so it is safe to
// call from inside an interposed open.
func Open(path string) (*Sink, error) {
	if path == "" {
		return nil, ErrNoDestination
	}
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Sink{fd: fd}, nil
}

// Record writes path followed by a newline. The bytes are written as-is;
// an embedded newline splits the record.
func (s *Sink) Record(path []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFull(s.fd, path, newline)
}

// Close releases the descriptor. The process-wide sink is never closed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unix.Close(s.fd)
}

// writeFull issues a single writev for the common case and falls back to
// plain writes for whatever a short write left over.
func writeFull(fd int, path, delim []byte) error {
	total := len(path) + len(delim)
	var (
		n   int
		err error
	)
	for {
		n, err = unix.Writev(fd, [][]byte{path, delim})
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if n == total {
		return nil
	}

	for _, b := range [][]byte{path, delim} {
		if n >= len(b) {
			n -= len(b)
			continue
		}
		if err := writeAll(fd, b[n:]); err != nil {
			return err
		}
		n = 0
	}
	return nil
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write: %w", unix.EIO)
		}
		b = b[n:]
	}
	return nil
}

var (
	defaultOnce sync.Once
	defaultSink *Sink
	defaultErr  error
)

// Default returns the process-wide Sink, opening the path named by Env on
// first use. It is opened at most once; a failure is remembered.
func Default() (*Sink, error) {
	defaultOnce.Do(func() {
		path, ok := os.LookupEnv(Env)
		if !ok || path == "" {
			defaultErr = ErrNoDestination
			return
		}
		defaultSink, defaultErr = Open(path)
	})
	return defaultSink, defaultErr
}
