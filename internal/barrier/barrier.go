// Package barrier keeps internal faults from crossing back into the host
// process. A panic inside a guarded function ends with a fixed message on
// stderr and immediate termination; it never unwinds into foreign code.
//
// Only panics are caught. Go runtime fatal errors (concurrent map writes,
// stack exhaustion, out of memory) cannot be recovered and still end the
// process with the runtime's own traceback and exit status 2.
package barrier

import "golang.org/x/sys/unix"

// Diagnostic is written to stderr when a guarded function panics.
var Diagnostic = []byte("fstracer: An error occurred, aborting ...\n")

// Terminate ends the process after the diagnostic has been written. The
// preload library replaces it with libc abort().
var Terminate = func() {
	unix.Exit(134)
}

// Do runs fn and returns its result. If fn panics, Do does not return.
func Do[R any](fn func() R) R {
	defer catch()
	return fn()
}

func catch() {
	if recover() == nil {
		return
	}
	fail()
}

// fail must not allocate: the fault may have come from a broken heap.
func fail() {
	for off := 0; off < len(Diagnostic); {
		n, err := unix.Write(unix.Stderr, Diagnostic[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			break
		}
		off += n
	}
	Terminate()
	// Terminate is not expected to return.
	unix.Exit(134)
}
