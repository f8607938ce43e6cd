package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

func (a *app) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [log]",
		Short: "Print a recorded log",
		Long: `Show prints the paths in a log written by libfstracer.so, one per line.
Paths that are not valid UTF-8 are printed as quoted Go strings so they stay
readable on a terminal. The log file itself is not changed.

Without an argument the configured output (--config, FSTRACER_OUTPUT or
` + defaultOutput + `) is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString(keyOutput)
			if len(args) == 1 {
				path = args[0]
			}
			return a.show(path)
		},
	}
}

func (a *app) show(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := printPaths(a.stdout, f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	a.log.Debugf("%d paths in %s", n, path)
	return nil
}

// printPaths copies newline-delimited records from r to w and returns how
// many there were. A trailing record without a newline still counts.
func printPaths(w io.Writer, r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	n := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			n++
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if utf8.Valid(line) {
				bw.Write(line)
				bw.WriteByte('\n')
			} else {
				fmt.Fprintf(bw, "%q\n", line)
			}
		}
		if errors.Is(err, io.EOF) {
			return n, bw.Flush()
		}
		if err != nil {
			return n, err
		}
	}
}
