package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bmiddha/fstracer/internal/audit"
	"github.com/bmiddha/fstracer/internal/sink"
)

const preloadEnv = "LD_PRELOAD"

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- <program> [args...]",
		Short: "Run a program and record the files it opens",
		Long: `Run starts the program with libfstracer.so preloaded and FSTRACER_OUTPUT
pointing at the log. Standard input, output and error are passed through and
fstracer exits with the program's exit status.

Each process that loads the library truncates the log when it first opens a
file, so for programs that exec other programs the log holds the last one.

With --audit, open, openat, openat2 and creat syscalls made by the program
are also counted in the kernel and logged next to the number of recorded
paths. The kernel count always includes the dynamic loader's own opens
(ld.so.cache, shared libraries), which happen before the library is active.
Opens that bypass libc (static binaries, raw syscalls) also show up only in
the kernel count. The difference is logged as "unrecorded".

Example:
  fstracer run -- cat /etc/hostname
  fstracer run --output /tmp/make.log -- make -j8
  sudo fstracer run --audit -- ./static-binary`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringP(keyOutput, "o", "", "log file (default "+defaultOutput+")")
	cmd.Flags().String(keyLibrary, "", "path to "+libraryName+" (default: next to the fstracer executable)")
	cmd.Flags().Bool(keyAudit, false, "count open syscalls in the kernel with eBPF (needs root)")
	return cmd
}

func (a *app) run(ctx context.Context, argv []string) error {
	lib, err := a.libraryPath()
	if err != nil {
		return err
	}
	out, err := filepath.Abs(a.v.GetString(keyOutput))
	if err != nil {
		return err
	}

	// A program that opens nothing never creates the log; don't leave the
	// previous run's in place.
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	var counter *audit.Counter
	if a.v.GetBool(keyAudit) {
		counter, err = audit.Start()
		if err != nil {
			return fmt.Errorf("starting audit: %w", err)
		}
		defer counter.Close()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = a.stdin
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr
	cmd.Env = tracedEnv(os.Environ(), lib, out)

	a.log.WithFields(logrus.Fields{
		"program": argv[0],
		"library": lib,
		"output":  out,
	}).Debug("starting traced program")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	code, err := exitCode(cmd.Wait())
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", argv[0], err)
	}

	recorded, err := countLines(out)
	if err != nil {
		a.log.WithError(err).Warn("could not read log")
	}
	fields := logrus.Fields{
		"pid":      pid,
		"exit":     code,
		"recorded": recorded,
		"output":   out,
	}
	if counter != nil {
		if err := a.reportAudit(counter, pid, recorded, fields); err != nil {
			return err
		}
	} else {
		a.log.WithFields(fields).Debug("traced program exited")
	}

	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// openCounter is the part of audit.Counter the report needs.
type openCounter interface {
	Count(pid int) (uint64, error)
	Missing() []string
}

// reportAudit logs the kernel's open count next to the recorded one. The
// two are not expected to match: the kernel also counts the dynamic
// loader's opens, which happen before the library is initialised.
func (a *app) reportAudit(c openCounter, pid, recorded int, fields logrus.Fields) error {
	kernel, err := c.Count(pid)
	if err != nil {
		return err
	}
	var unrecorded uint64
	if kernel > uint64(recorded) {
		unrecorded = kernel - uint64(recorded)
	}
	fields["kernel"] = kernel
	fields["unrecorded"] = unrecorded
	if missing := c.Missing(); len(missing) > 0 {
		fields["untraced"] = strings.Join(missing, ",")
	}
	a.log.WithFields(fields).Info("open syscalls counted")
	return nil
}

// tracedEnv returns env with the library preloaded ahead of any existing
// LD_PRELOAD entries and the log destination set.
func tracedEnv(env []string, lib, out string) []string {
	result := make([]string, 0, len(env)+2)
	preload := lib
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, preloadEnv+"="):
			if prev := strings.TrimPrefix(kv, preloadEnv+"="); prev != "" {
				preload = lib + ":" + prev
			}
		case strings.HasPrefix(kv, sink.Env+"="):
		default:
			result = append(result, kv)
		}
	}
	return append(result, preloadEnv+"="+preload, sink.Env+"="+out)
}

// exitCode converts the result of Wait into a shell-style exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

// countLines counts newline-terminated records in the log.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	n := 0
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
