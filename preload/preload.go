// Command preload builds libfstracer.so, the LD_PRELOAD library that records
// every path passed to open, open64, openat, openat64, fopen and fopen64.
//
//	go build -buildmode=c-shared -o libfstracer.so ./preload
//	FSTRACER_OUTPUT=trace.log LD_PRELOAD=$PWD/libfstracer.so some-program
//
// The exported C symbols are defined in shim.c; they read the optional mode
// argument and call into the exports below.
package main

/*
#cgo LDFLAGS: -ldl
#include <stdlib.h>
#include <string.h>
#include "shim.h"
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/bmiddha/fstracer/internal/barrier"
	"github.com/bmiddha/fstracer/internal/hook"
	"github.com/bmiddha/fstracer/internal/resolve"
	"github.com/bmiddha/fstracer/internal/sink"
)

func main() {}

var hooks [len(ops)]*hook.Hook[unsafe.Pointer]

// ops mirrors the enum in shim.h.
var ops = [...]hook.Op{
	C.FSTRACER_OPEN:     hook.OpOpen,
	C.FSTRACER_OPEN64:   hook.OpOpen64,
	C.FSTRACER_OPENAT:   hook.OpOpenat,
	C.FSTRACER_OPENAT64: hook.OpOpenat64,
	C.FSTRACER_FOPEN:    hook.OpFopen,
	C.FSTRACER_FOPEN64:  hook.OpFopen64,
}

func init() {
	barrier.Terminate = func() { C.abort() }
	for i, op := range ops {
		hooks[i] = hook.New(op, logSink, dlsymNext)
	}
}

func logSink() (hook.Recorder, error) {
	s, err := sink.Default()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// dlsymNext finds the definition of name that follows this library in the
// lookup order, i.e. the one libc would have bound without LD_PRELOAD.
func dlsymNext(name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	fn := C.fstracer_dlsym_next(cname)
	if fn == nil {
		return nil, fmt.Errorf("dlsym(RTLD_NEXT, %q): %w", name, resolve.ErrNotFound)
	}
	return fn, nil
}

// cbytes views a C string as bytes without copying. A nil path yields a nil
// slice, which is forwarded without being recorded.
func cbytes(p *C.char) []byte {
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(C.strlen(p)))
}

//export fstracerOpen
func fstracerOpen(op C.int, dirfd C.int, path *C.char, flags C.int, mode C.mode_t, errnum *C.int) C.int {
	return barrier.Do(func() C.int {
		h := hooks[op]
		inv := hook.Invocation{
			Path:  cbytes(path),
			Flags: int(flags),
			Mode:  hook.ModeFromFlags(int(flags), func() uint32 { return uint32(mode) }),
		}
		return hook.Call(h, inv, func(real unsafe.Pointer) C.int {
			if h.Op().DirRelative() {
				return C.fstracer_call_openat(real, dirfd, path, flags, mode, errnum)
			}
			return C.fstracer_call_open(real, path, flags, mode, errnum)
		})
	})
}

//export fstracerFopen
func fstracerFopen(op C.int, path *C.char, mode *C.char, errnum *C.int) *C.FILE {
	return barrier.Do(func() *C.FILE {
		h := hooks[op]
		inv := hook.Invocation{Path: cbytes(path)}
		return hook.Call(h, inv, func(real unsafe.Pointer) *C.FILE {
			return C.fstracer_call_fopen(real, path, mode, errnum)
		})
	})
}
