// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/logging"
	"github.com/bureau-foundation/kiln/lib/process"
	"github.com/bureau-foundation/kiln/lib/userns"
)

var (
	// ErrSpawnFailed wraps every reason a spawn was abandoned.
	ErrSpawnFailed = errors.New("sandbox: spawn failed")

	// ErrSupervisorFailed is returned when the supervisor reports
	// Failed during the handshake.
	ErrSupervisorFailed = errors.New("sandbox: supervisor reported failure")
)

// NamespaceFlags are the clone flags applied atomically when the
// supervisor is created.
const NamespaceFlags = unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUSER

// IDMapper writes user namespace mappings for a process.
// [userns.Mapper] is the production implementation.
type IDMapper interface {
	WriteMappings(pid int, config userns.Config) error
}

// launcher describes how the zygote creates a supervisor.
type launcher struct {
	entry      string
	cloneflags uintptr

	// ambientCaps survive the supervisor's execve. The process is not
	// yet mapped when it execs, so without them it would enter its
	// entry point with an empty capability set.
	ambientCaps []uintptr
}

var namespaceLauncher = launcher{
	entry:       SupervisorEntry,
	cloneflags:  NamespaceFlags,
	ambientCaps: []uintptr{unix.CAP_SYS_ADMIN},
}

// Zygote serves spawn requests over one long-lived channel.
type Zygote struct {
	settings *config.Config
	mapper   IDMapper
	logger   *slog.Logger
	launcher launcher
}

// NewZygote returns a zygote that spawns supervisors configured with
// settings. A nil mapper uses [userns.Mapper] defaults; a nil logger
// uses slog.Default().
func NewZygote(settings *config.Config, mapper IDMapper, logger *slog.Logger) *Zygote {
	if mapper == nil {
		mapper = userns.Mapper{}
	}
	logger = logging.Ensure(logger)
	return &Zygote{
		settings: settings,
		mapper:   mapper,
		logger:   logger,
		launcher: namespaceLauncher,
	}
}

// Serve handles requests until the daemon closes the channel, which is
// a clean shutdown and returns nil. A failed spawn is reported to the
// daemon and never ends the loop. Corruption or an unexpected transport
// error is returned.
func (z *Zygote) Serve(peer *channel.Peer[ZygoteResponse, ZygoteRequest]) error {
	for {
		request, err := peer.Recv()
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if errors.Is(err, channel.ErrBrokenChannel) {
			z.logger.Info("daemon closed zygote channel, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving zygote request: %w", err)
		}

		response := z.handle(request)
		if err := peer.Send(response); err != nil {
			if errors.Is(err, channel.ErrBrokenChannel) {
				z.logger.Info("daemon closed zygote channel before reply, exiting")
				return nil
			}
			return fmt.Errorf("sending zygote response: %w", err)
		}
	}
}

func (z *Zygote) handle(request ZygoteRequest) ZygoteResponse {
	if request.Kind != RequestSpawn || request.Spawn == nil {
		if request.Spawn != nil {
			request.Spawn.SandboxPeer.Close()
		}
		z.logger.Error("unknown zygote request", "kind", request.Kind)
		return ZygoteResponse{Kind: SpawnFailure, Error: fmt.Sprintf("unknown request kind %q", request.Kind)}
	}

	started := time.Now()
	pid, err := z.Spawn(request.Spawn)
	if err != nil {
		z.logger.Error("spawn failed", "spec_path", request.Spawn.SpecPath, "error", err)
		return ZygoteResponse{Kind: SpawnFailure, Error: err.Error()}
	}
	z.logger.Info("spawned supervisor",
		"supervisor_pid", pid,
		"spec_path", request.Spawn.SpecPath,
		"duration", time.Since(started),
	)
	return ZygoteResponse{Kind: SpawnSuccess, SupervisorPID: pid}
}

// Spawn runs the spawn protocol for one request and returns the
// supervisor's PID. The request's sandbox peer is consumed: the
// supervisor inherits a duplicate and the zygote's copy is closed
// before Spawn returns.
func (z *Zygote) Spawn(request *SpawnRequest) (int, error) {
	defer request.SandboxPeer.Close()
	if request.SandboxPeer.File() == nil {
		return 0, fmt.Errorf("%w: request carries no sandbox peer", ErrSpawnFailed)
	}

	local, remote, err := channel.Pair[SupervisorRequest, SupervisorResponse]()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	defer local.Close()

	child, err := z.startSupervisor(remote, request)
	// The supervisor holds its own copy now; keeping ours open would
	// hide its exit from the handshake.
	remote.Close()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pid := child.Pid()
	defer func() {
		if err := child.Release(); err != nil {
			z.logger.Warn("releasing supervisor", "supervisor_pid", pid, "error", err)
		}
	}()

	peer, err := local.Connect(z.settings.Sandbox.ChannelTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: connecting to supervisor %d: %v", ErrSpawnFailed, pid, err)
	}
	defer peer.Close()

	if err := z.mapper.WriteMappings(pid, request.UserNamespace); err != nil {
		if sendErr := peer.Send(SupervisorRequest{Kind: Exit}); sendErr != nil {
			z.logger.Warn("telling supervisor to exit",
				"supervisor_pid", pid,
				"error", sendErr,
			)
		}
		return 0, fmt.Errorf("%w: mapping user namespace of supervisor %d: %w", ErrSpawnFailed, pid, err)
	}

	if err := peer.Send(SupervisorRequest{Kind: UserMapped}); err != nil {
		return 0, fmt.Errorf("%w: notifying supervisor %d: %w", ErrSpawnFailed, pid, err)
	}
	response, err := peer.Recv()
	if err != nil {
		return 0, fmt.Errorf("%w: waiting for supervisor %d: %w", ErrSpawnFailed, pid, err)
	}
	if response.Kind == Failed {
		return 0, fmt.Errorf("%w: %w: %s", ErrSpawnFailed, ErrSupervisorFailed, response.Error)
	}

	if err := child.Detach(); err != nil {
		return 0, fmt.Errorf("%w: detaching supervisor %d: %v", ErrSpawnFailed, pid, err)
	}
	return pid, nil
}

// startSupervisor creates the supervisor process. Descriptors: fd 3 is
// the handshake end, fd 4 the sandbox end, fd 5 the bootstrap pipe.
func (z *Zygote) startSupervisor(handshake *channel.Pending[SupervisorResponse, SupervisorRequest], request *SpawnRequest) (*process.Child, error) {
	bootstrapFile, err := writeBootstrap(bootstrap{Settings: *z.settings, SpecPath: request.SpecPath})
	if err != nil {
		return nil, err
	}
	defer bootstrapFile.Close()

	cmd := process.Command(z.launcher.entry)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{handshake.File(), request.SandboxPeer.File(), bootstrapFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  z.launcher.cloneflags,
		AmbientCaps: z.launcher.ambientCaps,
	}
	return process.Start(cmd, z.logger)
}
