// Package audit counts open syscalls in the kernel so the preload log can be
// checked for opens that never went through libc.
package audit

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// Tracepoints are the syscalls:* tracepoints the counter attaches to.
var Tracepoints = []string{
	"sys_enter_open",
	"sys_enter_openat",
	"sys_enter_openat2",
	"sys_enter_creat",
}

const maxProcesses = 16384

// Counter counts open syscalls per thread group id.
type Counter struct {
	counts *ebpf.Map
	prog    *ebpf.Program
	links   []link.Link
	missing []string
}

// Start loads the counter and attaches it to every tracepoint that exists on
// this kernel. It needs CAP_BPF or root.
func Start() (*Counter, error) {
	// Remove resource limits for kernels <5.11.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "open_counts",
		Type:       ebpf.LRUHash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxProcesses,
	})
	if err != nil {
		return nil, fmt.Errorf("creating map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "count_opens",
		Type:         ebpf.TracePoint,
		License:      "GPL",
		Instructions: countProgram(counts.FD()),
	})
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("loading program: %w", err)
	}

	c := &Counter{counts: counts, prog: prog}
	c.links, c.missing, err = attachAll(Tracepoints, func(name string) (link.Link, error) {
		return link.Tracepoint("syscalls", name, prog, nil)
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// attachAll attaches every named tracepoint it can. Tracepoints the kernel
// lacks (sys_enter_open on arm64, openat2 before 5.6) are returned as
// missing. It fails only when nothing attached, e.g. without tracefs.
func attachAll[L any](names []string, attach func(name string) (L, error)) ([]L, []string, error) {
	var (
		links   []L
		missing []string
		errs    []error
	)
	for _, name := range names {
		l, err := attach(name)
		if err != nil {
			missing = append(missing, name)
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("attaching %s: %w", name, err))
			}
			continue
		}
		links = append(links, l)
	}
	if len(links) == 0 {
		return nil, missing, fmt.Errorf("no open tracepoint could be attached: %w", errors.Join(append([]error{ebpf.ErrNotSupported}, errs...)...))
	}
	return links, missing, nil
}

// Missing lists the tracepoints that could not be attached; opens through
// those syscalls are not counted.
func (c *Counter) Missing() []string {
	return c.missing
}

// Count returns the number of open syscalls seen for pid so far.
func (c *Counter) Count(pid int) (uint64, error) {
	var n uint64
	err := c.counts.Lookup(uint32(pid), &n)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	return n, nil
}

// Close detaches and unloads everything Start created.
func (c *Counter) Close() error {
	var errs []error
	for _, l := range c.links {
		errs = append(errs, l.Close())
	}
	c.links = nil
	if c.prog != nil {
		errs = append(errs, c.prog.Close())
	}
	if c.counts != nil {
		errs = append(errs, c.counts.Close())
	}
	return errors.Join(errs...)
}

// countProgram increments counts[tgid] for the current task.
func countProgram(mapFD int) asm.Instructions {
	return asm.Instructions{
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),

		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "insert"),

		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Ja.Label("exit"),

		asm.StoreImm(asm.RFP, -16, 1, asm.DWord).WithSymbol("insert"),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -16),
		asm.Mov.Imm(asm.R4, 0), // BPF_ANY
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}
