package barrier

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childEnv = "FSTRACER_BARRIER_CHILD"

func TestDoReturnsValue(t *testing.T) {
	got := Do(func() int { return 42 })
	assert.Equal(t, 42, got)
}

func TestDoPanicTerminates(t *testing.T) {
	if os.Getenv(childEnv) == "do" {
		Do(func() int {
			panic(errors.New("boom"))
		})
		os.Stdout.WriteString("unreachable\n")
		return
	}

	stdout, stderr, code := runChild(t, "TestDoPanicTerminates", "do")
	assert.Equal(t, 134, code)
	assert.Equal(t, string(Diagnostic), stderr)
	assert.NotContains(t, stdout, "unreachable")
}

func TestDoFaultTerminates(t *testing.T) {
	tests := []struct {
		name  string
		fault func()
	}{
		{
			name:  "error value",
			fault: func() { panic(errors.New("boom")) },
		},
		{
			name: "runtime error",
			fault: func() {
				var m map[string]int
				m["x"] = 1
			},
		},
		{
			name:  "nil panic",
			fault: func() { panic(nil) },
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if mode := os.Getenv(childEnv); mode != "" {
				if mode != tt.name {
					t.Skip()
				}
				Do(func() struct{} {
					tests[i].fault()
					return struct{}{}
				})
				os.Stdout.WriteString("unreachable\n")
				return
			}

			stdout, stderr, code := runChild(t, "TestDoFaultTerminates", tt.name)
			assert.Equal(t, 134, code)
			assert.Equal(t, string(Diagnostic), stderr)
			assert.NotContains(t, stdout, "unreachable")
		})
	}
}

func runChild(t *testing.T, test, mode string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=^"+test+"$")
	cmd.Env = append(os.Environ(), childEnv+"="+mode)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	return stdout.String(), stderr.String(), exitErr.ExitCode()
}
