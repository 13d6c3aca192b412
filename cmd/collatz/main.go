// Command collatz searches for Collatz step-count records on a GPU.
//
// Usage:
//
//	collatz run [flags]       search until stopped or --max-rounds
//	collatz devices [flags]   list devices with their score or rejection
//	collatz plan [flags]      print the memory plan for the selected device
//	collatz config [flags]    print the effective configuration
//
// Flags override the YAML file given with --config only when set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gogpu/collatz"
	"github.com/gogpu/collatz/internal/config"
	"github.com/gogpu/collatz/internal/session"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var se *session.StageError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "collatz: setup failed at %q: %v\n", se.Stage, se.Err)
		} else {
			fmt.Fprintf(os.Stderr, "collatz: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	root := &cobra.Command{
		Use:           "collatz",
		Short:         "GPU search for Collatz step-count records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f.register(root.PersistentFlags())
	root.AddCommand(
		newRunCmd(f),
		newDevicesCmd(f),
		newPlanCmd(f),
		newConfigCmd(f),
	)
	return root
}

// loadConfig reads the config file, applies the flags that were set,
// validates the result and installs the logger.
func loadConfig(cmd *cobra.Command, f *cliFlags) (config.Config, error) {
	cfg := config.Defaults()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if err := f.apply(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	collatz.SetLogger(newLogger(cmd.ErrOrStderr(), cfg.Verbosity))
	return cfg, nil
}

func newLogger(w io.Writer, verbosity int) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel(verbosity)}))
}

func logLevel(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
