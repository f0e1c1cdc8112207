// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

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
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/logging"
	"github.com/bureau-foundation/kiln/lib/process"
	"github.com/bureau-foundation/kiln/lib/store"
	"github.com/bureau-foundation/kiln/lib/version"
	"github.com/bureau-foundation/kiln/sandbox"
)

func main() {
	// Zygote, supervisor, and sandbox processes are re-executions of
	// this binary; they never reach the command tree.
	process.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stderr).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		process.Fatal("kiln", err)
	}
}

// exitError carries a process exit code without an error message; the
// command has already reported what happened.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (e *exitError) ExitCode() int { return e.code }

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logOutput  io.Writer
}

func (o *globalOptions) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("global", pflag.ContinueOnError)
	flags.StringVar(&o.configPath, "config", "", "path to kiln.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flags.StringVar(&o.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.StringVar(&o.logFormat, "log-format", "", "override logging.format (text, json, auto)")
	return flags
}

// settings loads and validates the configuration, applying flag
// overrides.
func (o *globalOptions) settings() (*config.Config, error) {
	var (
		settings *config.Config
		err      error
	)
	switch {
	case o.configPath != "":
		settings, err = config.LoadFile(o.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		settings, err = config.Load()
	default:
		settings = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		settings.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		settings.Logging.Format = o.logFormat
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return settings, nil
}

// environment loads settings and builds the logger from them.
func (o *globalOptions) environment(component string) (*config.Config, *slog.Logger, error) {
	settings, err := o.settings()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Format(settings.Logging.Format), settings.Logging.Level, o.logOutput)
	if err != nil {
		return nil, nil, err
	}
	return settings, logger.With("component", component), nil
}

// openStore opens the configured store. controller may be nil.
func openStore(settings *config.Config, controller *sandbox.Controller, logger *slog.Logger) (*store.Store, error) {
	algorithm, err := store.ParseAlgorithm(settings.Store.Hash)
	if err != nil {
		return nil, err
	}
	if err := settings.EnsurePaths(); err != nil {
		return nil, err
	}
	return store.New(store.Layout{
		FilesDir: settings.Paths.FilesDir(),
		TempDir:  settings.Paths.TempDir(),
	}, algorithm, controller, logger)
}

func newRootCommand(logOutput io.Writer) *cobra.Command {
	options := &globalOptions{logOutput: logOutput}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Run build commands in namespace sandboxes and store their outputs by hash",
		Version:       version.Short(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().AddFlagSet(options.flagSet())

	root.AddCommand(
		newDaemonCommand(options),
		newRunCommand(options),
		newStoreCommand(options),
		newCapabilitiesCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if full {
				fmt.Fprintln(cmd.OutOrStdout(), "kiln", version.Full())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "kiln", version.Info())
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "include Go version and platform")
	return cmd
}

func newCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Report whether this host can run sandboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			capabilities := sandbox.DetectCapabilities()
			out := cmd.OutOrStdout()

			if capabilities.UserNamespacesEnabled {
				fmt.Fprintln(out, "user namespaces: available")
			} else {
				fmt.Fprintf(out, "user namespaces: unavailable (%s)\n", capabilities.UserNamespaceProblem)
			}
			for _, helper := range []struct{ name, path string }{
				{"newuidmap", capabilities.NewUIDMapPath},
				{"newgidmap", capabilities.NewGIDMapPath},
			} {
				if helper.path == "" {
					fmt.Fprintf(out, "%s: not found\n", helper.name)
				} else {
					fmt.Fprintf(out, "%s: %s\n", helper.name, helper.path)
				}
			}

			if !capabilities.CanRunSandbox() {
				fmt.Fprintf(out, "sandboxes: unavailable: %s\n", capabilities.SkipReason())
				return &exitError{code: 1}
			}
			fmt.Fprintln(out, "sandboxes: available")
			return nil
		},
	}
}
