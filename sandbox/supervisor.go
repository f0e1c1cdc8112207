// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/process"
)

// ErrExitRequested is returned while waiting for the user mapping when
// the zygote sends Exit instead.
var ErrExitRequested = errors.New("sandbox: zygote requested exit")

// ExitCodeAborted is the supervisor's exit code when it terminates
// before the sandbox runs.
const ExitCodeAborted = 125

// Supervisor is the namespace-owning process of one spawned subtree.
type Supervisor struct {
	peer        *channel.Peer[SupervisorResponse, SupervisorRequest]
	sandboxFile *os.File
	settings    config.Config
	specPath    string
	logger      *slog.Logger

	// prepare runs once the mappings are in place, before the sandbox
	// starts.
	prepare func() error
}

// Run performs the supervisor's side of the handshake, starts the
// sandbox, and returns the exit code the supervisor process should
// exit with: the sandbox's own, or [ExitCodeAborted].
func (s *Supervisor) Run() int {
	if err := s.awaitMapping(); err != nil {
		if errors.Is(err, ErrExitRequested) {
			return ExitCodeAborted
		}
		s.logger.Error("handshake with zygote failed", "error", err)
		return ExitCodeAborted
	}

	if err := s.prepare(); err != nil {
		s.fail(err)
		return ExitCodeAborted
	}

	sandboxProcess, err := s.startSandbox()
	if err != nil {
		s.fail(err)
		return ExitCodeAborted
	}
	sandboxPID := sandboxProcess.Pid

	if err := s.peer.Send(SupervisorResponse{Kind: Started, SandboxPID: sandboxPID}); err != nil {
		s.logger.Error("reporting sandbox start", "sandbox_pid", sandboxPID, "error", err)
		sandboxProcess.Kill()
		reap(sandboxPID)
		return ExitCodeAborted
	}
	s.peer.Close()
	s.logger.Info("supervisor started sandbox", "sandbox_pid", sandboxPID, "spec_path", s.specPath)

	code := reap(sandboxPID)
	s.logger.Debug("sandbox exited", "sandbox_pid", sandboxPID, "exit_code", code)
	return code
}

// awaitMapping blocks until UserMapped arrives. Nothing that depends on
// a mapped identity may happen before it returns nil.
func (s *Supervisor) awaitMapping() error {
	for {
		request, err := s.peer.Recv()
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("waiting for user mapping: %w", err)
		}
		switch request.Kind {
		case UserMapped:
			return nil
		case Exit:
			return ErrExitRequested
		default:
			return fmt.Errorf("unexpected handshake request %q", request.Kind)
		}
	}
}

// fail reports a setup failure to the zygote.
func (s *Supervisor) fail(err error) {
	s.logger.Error("supervisor setup failed", "error", err)
	if sendErr := s.peer.Send(SupervisorResponse{Kind: Failed, Error: err.Error()}); sendErr != nil {
		s.logger.Warn("reporting setup failure to zygote", "error", sendErr)
	}
}

// startSandbox starts the sandbox process with the caller's channel end
// on fd 3 and a bootstrap pipe on fd 4. The supervisor's copy of the
// channel end is closed once the sandbox holds it.
func (s *Supervisor) startSandbox() (*os.Process, error) {
	bootstrapFile, err := writeBootstrap(bootstrap{Settings: s.settings, SpecPath: s.specPath})
	if err != nil {
		return nil, err
	}
	defer bootstrapFile.Close()

	cmd := process.Command(SandboxEntry)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{s.sandboxFile, bootstrapFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}
	s.sandboxFile.Close()
	return cmd.Process, nil
}

// prepareNamespaces detaches the supervisor's mount tree from the host
// and mounts a /proc that shows the new PID namespace.
func prepareNamespaces() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mount tree private: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}
	return nil
}

// reap waits for children, as PID 1 of a namespace must, until target
// has been reaped, and returns target's exit code. Signalled processes
// report 128+signal.
func reap(target int) int {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ExitCodeAborted
		}
		if pid != target {
			continue
		}
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
}

// runSupervisor is the body of the supervisor entry point.
func runSupervisor(prepare func() error) int {
	boot, err := readBootstrap(os.NewFile(5, "bootstrap"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", SupervisorEntry, err)
		return ExitCodeAborted
	}
	logger := entryLogger(boot.Settings, "supervisor")

	pending := channel.NewPending[SupervisorResponse, SupervisorRequest](os.NewFile(3, "supervisor-peer"))
	peer, err := pending.Connect(boot.Settings.Sandbox.ChannelTimeout)
	if err != nil {
		logger.Error("connecting to zygote", "error", err)
		return ExitCodeAborted
	}
	defer peer.Close()

	supervisor := &Supervisor{
		peer:        peer,
		sandboxFile: os.NewFile(4, "sandbox-peer"),
		settings:    boot.Settings,
		specPath:    boot.SpecPath,
		logger:      logger,
		prepare:     prepare,
	}
	return supervisor.Run()
}
