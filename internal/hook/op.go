package hook

import "golang.org/x/sys/unix"

// Op identifies one interposed entry point.
type Op int

const (
	OpOpen Op = iota
	OpOpen64
	OpOpenat
	OpOpenat64
	OpFopen
	OpFopen64

	numOps
)

var symbols = [numOps]string{
	OpOpen:     "open",
	OpOpen64:   "open64",
	OpOpenat:   "openat",
	OpOpenat64: "openat64",
	OpFopen:    "fopen",
	OpFopen64:  "fopen64",
}

// Symbol returns the libc symbol name of op.
func (op Op) Symbol() string {
	if op < 0 || op >= numOps {
		return "unknown"
	}
	return symbols[op]
}

func (op Op) String() string {
	return op.Symbol()
}

// DirRelative reports whether op resolves the path against a directory fd.
func (op Op) DirRelative() bool {
	return op == OpOpenat || op == OpOpenat64
}

// ModeBits is the union of permission and special mode bits a caller may
// pass when creating a file.
const ModeBits = unix.S_IRWXU | unix.S_IRWXG | unix.S_IRWXO | unix.S_ISUID | unix.S_ISGID | unix.S_ISVTX

// NeedsMode reports whether the mode argument is present for flags: only
// O_CREAT and O_TMPFILE make the callee read it.
func NeedsMode(flags int) bool {
	return flags&unix.O_CREAT != 0 || flags&unix.O_TMPFILE == unix.O_TMPFILE
}

// Mode is the optional permission-mode argument of an open call.
type Mode struct {
	Value   uint32
	Present bool
}

// ModeFromFlags derives the mode from flags. arg is called only when the
// caller actually supplied a mode.
func ModeFromFlags(flags int, arg func() uint32) Mode {
	if !NeedsMode(flags) {
		return Mode{}
	}
	return Mode{Value: arg(), Present: true}
}

// Valid reports whether m has no bits outside ModeBits. An absent mode is
// always valid.
func (m Mode) Valid() bool {
	return !m.Present || m.Value&^ModeBits == 0
}
