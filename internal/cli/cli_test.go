package cli

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracedEnv(t *testing.T) {
	tests := []struct {
		name string
		env  []string
		want []string
	}{
		{
			name: "no preload",
			env:  []string{"HOME=/root", "PATH=/bin"},
			want: []string{"HOME=/root", "PATH=/bin", "LD_PRELOAD=/lib/libfstracer.so", "FSTRACER_OUTPUT=/tmp/out.log"},
		},
		{
			name: "existing preload kept after",
			env:  []string{"LD_PRELOAD=/lib/other.so", "PATH=/bin"},
			want: []string{"PATH=/bin", "LD_PRELOAD=/lib/libfstracer.so:/lib/other.so", "FSTRACER_OUTPUT=/tmp/out.log"},
		},
		{
			name: "empty preload",
			env:  []string{"LD_PRELOAD="},
			want: []string{"LD_PRELOAD=/lib/libfstracer.so", "FSTRACER_OUTPUT=/tmp/out.log"},
		},
		{
			name: "output replaced",
			env:  []string{"FSTRACER_OUTPUT=/old.log", "TERM=xterm"},
			want: []string{"TERM=xterm", "LD_PRELOAD=/lib/libfstracer.so", "FSTRACER_OUTPUT=/tmp/out.log"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tracedEnv(tt.env, "/lib/libfstracer.so", "/tmp/out.log"))
		})
	}
}

func TestExitCode(t *testing.T) {
	code, err := exitCode(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = exitCode(exec.Command("sh", "-c", "exit 7").Run())
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	code, err = exitCode(exec.Command("sh", "-c", "kill -ABRT $$").Run())
	require.NoError(t, err)
	assert.Equal(t, 134, code)

	_, err = exitCode(os.ErrNotExist)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCountLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("/a\n/b\n\n/c\n"), 0o600))
	n, err := countLines(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = countLines(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrintPaths(t *testing.T) {
	in := []byte("/etc/hosts\n/tmp/\xff\xfe\n\n/no/newline")
	var out bytes.Buffer
	n, err := printPaths(&out, bytes.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "/etc/hosts\n\"/tmp/\\xff\\xfe\"\n\n/no/newline\n", out.String())
}

func run(t *testing.T, env map[string]string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for k, v := range env {
		t.Setenv(k, v)
	}
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("/etc/ld.so.cache\n/lib/libc.so.6\n"), 0o600))

	code, stdout, _ := run(t, nil, "show", path)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/etc/ld.so.cache\n/lib/libc.so.6\n", stdout)

	code, stdout, _ = run(t, map[string]string{"FSTRACER_OUTPUT": path}, "show")
	assert.Equal(t, 0, code)
	assert.Equal(t, "/etc/ld.so.cache\n/lib/libc.so.6\n", stdout)

	code, _, stderr := run(t, nil, "show", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no such file")
}

func TestShowConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("/from/config\n"), 0o600))
	cfg := filepath.Join(dir, "fstracer.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("output: "+path+"\n"), 0o600))

	code, stdout, stderr := run(t, nil, "--config", cfg, "show")
	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "/from/config\n", stdout)

	code, _, stderr = run(t, nil, "--config", filepath.Join(dir, "missing.yaml"), "show")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "reading config")
}

func TestRunMissingLibrary(t *testing.T) {
	code, _, stderr := run(t, nil, "run", "--library", filepath.Join(t.TempDir(), "nope.so"), "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "preload library")
}

func TestRunPropagatesExitCode(t *testing.T) {
	dir := t.TempDir()
	// Not a real shared object: the dynamic loader warns and runs the
	// program without it.
	lib := filepath.Join(dir, "libfstracer.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o600))
	out := filepath.Join(dir, "trace.log")
	require.NoError(t, os.WriteFile(out, []byte("/stale\n"), 0o600))

	code, stdout, _ := run(t, nil, "run", "--library", lib, "--output", out, "--",
		"sh", "-c", `printf '%s|%s' "$FSTRACER_OUTPUT" "$LD_PRELOAD"; exit 3`)
	assert.Equal(t, 3, code)
	assert.Equal(t, out+"|"+lib, stdout)

	_, err := os.Stat(out)
	assert.ErrorIs(t, err, os.ErrNotExist, "stale log should be removed before the run")
}

func TestRunArgsAfterProgram(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libfstracer.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o600))

	code, stdout, _ := run(t, map[string]string{"FSTRACER_LIBRARY": lib, "FSTRACER_OUTPUT": filepath.Join(dir, "x.log")},
		"run", "echo", "-n", "--output", "kept")
	assert.Equal(t, 0, code)
	assert.Equal(t, "--output kept", strings.TrimSpace(stdout))
}
