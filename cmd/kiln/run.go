// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bureau-foundation/kiln/lib/store"
	"github.com/bureau-foundation/kiln/sandbox"
)

type runOptions struct {
	specPath   string
	outputPath string
	dir        string
	env        []string
	inheritEnv bool
}

func newRunCommand(global *globalOptions) *cobra.Command {
	var options runOptions

	cmd := &cobra.Command{
		Use:   "run --spec <path> [--output <file>] -- <command> [args...]",
		Short: "Run a command in a fresh sandbox and store its output",
		Long: `Run starts a zygote, spawns one sandbox in new PID, mount, and user
namespaces, runs the command inside it, and prints the command's
standard output. With --output, the named file is ingested into the
store after the command succeeds and its hash is printed on stderr.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandboxed(cmd, global, options, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.specPath, "spec", "", "build specification passed to the sandbox")
	flags.StringVar(&options.outputPath, "output", "", "file to ingest into the store after a successful run")
	flags.StringVar(&options.dir, "dir", "", "working directory inside the sandbox (default: current directory)")
	flags.StringArrayVar(&options.env, "env", nil, "KEY=VALUE added to the command's environment (repeatable)")
	flags.BoolVar(&options.inheritEnv, "inherit-env", true, "start from the caller's environment")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func runSandboxed(cmd *cobra.Command, global *globalOptions, options runOptions, argv []string) error {
	settings, logger, err := global.environment("run")
	if err != nil {
		return err
	}

	specPath, err := filepath.Abs(options.specPath)
	if err != nil {
		return err
	}
	dir := options.dir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	var env []string
	if options.inheritEnv {
		env = os.Environ()
	}
	env = append(env, options.env...)

	controller, err := sandbox.StartZygote(settings, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Warn("closing zygote", "error", err)
		}
	}()

	contentStore, err := openStore(settings, controller, logger)
	if err != nil {
		return err
	}

	var status *sandbox.ExitStatus
	err = contentStore.WithController(func(controller *sandbox.Controller) error {
		client, err := controller.Spawn(cmd.Context(), settings.Sandbox.UserNamespace, specPath)
		if err != nil {
			return err
		}
		defer client.Shutdown()
		logger.Info("sandbox ready", "supervisor_pid", client.SupervisorPID(), "spec", client.SpecPath())

		status, err = client.Run(cmd.Context(), sandbox.RunRequest{Argv: argv, Env: env, Dir: dir})
		return err
	})
	if err != nil {
		return err
	}

	cmd.OutOrStdout().Write(status.Output)
	if status.Truncated {
		logger.Warn("command output truncated", "limit", humanize.IBytes(sandbox.MaxOutputLength))
	}
	if status.Error != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "kiln: %s\n", status.Error)
	}
	if status.Code != 0 {
		code := status.Code
		if code < 0 {
			code = 127
		}
		return &exitError{code: code}
	}

	if options.outputPath == "" {
		return nil
	}
	hash, size, err := ingestFile(cmd.Context(), contentStore, options.outputPath)
	if err != nil {
		return err
	}
	logger.Info("stored output", "hash", hash, "size", humanize.IBytes(uint64(size)))
	fmt.Fprintln(cmd.ErrOrStderr(), hash)
	return nil
}

// ingestFile copies path into the store and returns its hash and size.
func ingestFile(ctx context.Context, contentStore *store.Store, path string) (store.Hash, int64, error) {
	if err := ctx.Err(); err != nil {
		return store.Hash{}, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return store.Hash{}, 0, err
	}
	defer file.Close()

	hash, lock, err := contentStore.Ingest(file)
	if err != nil {
		return store.Hash{}, 0, fmt.Errorf("storing %s: %w", path, err)
	}
	defer lock.Close()
	size, err := lock.Size()
	if err != nil {
		return store.Hash{}, 0, err
	}
	return hash, size, nil
}
