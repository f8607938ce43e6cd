// Package cli implements the fstracer launcher.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config keys. Each can also be set as FSTRACER_<KEY>.
const (
	keyOutput  = "output"
	keyLibrary = "library"
	keyAudit   = "audit"
	keyVerbose = "verbose"
)

const (
	defaultOutput  = "fstracer.log"
	libraryName    = "libfstracer.so"
	configBaseName = ".fstracer"
)

// exitCodeError carries the traced program's exit status back to main.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Run executes the launcher with args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(os.Stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)

	var exit *exitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	default:
		fmt.Fprintf(stderr, "fstracer: %v\n", err)
		return 1
	}
}

type app struct {
	v       *viper.Viper
	log     *logrus.Logger
	cfgFile string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      viper.New(),
		log:    logrus.New(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	a.log.SetOutput(stderr)
	a.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	root := &cobra.Command{
		Use:   "fstracer",
		Short: "Record every file a program opens",
		Long: `fstracer runs a program with libfstracer.so preloaded. The library records
the path of every open, open64, openat, openat64, fopen and fopen64 call
to a log file, one path per line, and then lets the call proceed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/"+configBaseName+".yaml)")
	root.PersistentFlags().BoolP(keyVerbose, "v", false, "log debug output")

	root.AddCommand(a.newRunCmd(), a.newShowCmd())
	return root
}

// initConfig layers flags over FSTRACER_* environment variables over the
// config file.
func (a *app) initConfig(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("fstracer")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetDefault(keyOutput, defaultOutput)

	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.SetConfigName(configBaseName)
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	} else {
		a.log.Debugf("using config file %s", a.v.ConfigFileUsed())
	}

	if a.v.GetBool(keyVerbose) {
		a.log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// libraryPath returns the configured library, or libfstracer.so next to
// the running executable.
func (a *app) libraryPath() (string, error) {
	lib := a.v.GetString(keyLibrary)
	if lib == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locating %s: %w", libraryName, err)
		}
		lib = filepath.Join(filepath.Dir(exe), libraryName)
	}
	lib, err := filepath.Abs(lib)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(lib); err != nil {
		return "", fmt.Errorf("preload library: %w", err)
	}
	return lib, nil
}
