// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/logging"
	"github.com/bureau-foundation/kiln/lib/process"
	"github.com/bureau-foundation/kiln/lib/userns"
)

// ErrControllerClosed is returned by [Controller.Spawn] after the
// controller has shut down its zygote.
var ErrControllerClosed = errors.New("sandbox: controller closed")

// Controller is the daemon's client of the zygote. Spawn requests are
// serialized: one request is answered before the next is sent.
type Controller struct {
	settings *config.Config
	logger   *slog.Logger

	mutex  sync.Mutex
	peer   *channel.Peer[ZygoteRequest, ZygoteResponse]
	zygote *process.Child
}

// StartZygote starts the zygote process and returns a controller
// connected to it. The zygote is killed if the calling process dies.
func StartZygote(settings *config.Config, logger *slog.Logger) (*Controller, error) {
	return startZygote(ZygoteEntry, settings, logger)
}

func startZygote(entry string, settings *config.Config, logger *slog.Logger) (*Controller, error) {
	logger = logging.Ensure(logger)

	local, remote, err := channel.Pair[ZygoteRequest, ZygoteResponse]()
	if err != nil {
		return nil, err
	}
	defer local.Close()

	bootstrapFile, err := writeBootstrap(bootstrap{Settings: *settings})
	if err != nil {
		remote.Close()
		return nil, err
	}
	defer bootstrapFile.Close()

	cmd := process.Command(entry)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{remote.File(), bootstrapFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	child, err := process.Start(cmd, logger)
	remote.Close()
	if err != nil {
		return nil, fmt.Errorf("starting zygote: %w", err)
	}

	peer, err := local.Connect(settings.Sandbox.ChannelTimeout)
	if err != nil {
		child.Release()
		return nil, fmt.Errorf("connecting to zygote: %w", err)
	}

	logger.Info("zygote started", "zygote_pid", child.Pid())
	return &Controller{
		settings: settings,
		logger:   logger,
		peer:     peer,
		zygote:   child,
	}, nil
}

// ZygotePID returns the zygote's process ID.
func (c *Controller) ZygotePID() int {
	return c.zygote.Pid()
}

// Spawn asks the zygote for a new sandbox and waits until the sandbox
// reports Ready. ctx bounds the whole exchange; if it expires while
// the zygote still owes a reply, the controller shuts down, since a
// late reply would otherwise answer the next request.
func (c *Controller) Spawn(ctx context.Context, userNamespace userns.Config, specPath string) (*SandboxClient, error) {
	started := time.Now()
	client, err := c.spawn(ctx, userNamespace, specPath)
	spawnDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		spawnsTotal.WithLabelValues(resultFailure).Inc()
		return nil, err
	}
	spawnsTotal.WithLabelValues(resultSuccess).Inc()
	return client, nil
}

func (c *Controller) spawn(ctx context.Context, userNamespace userns.Config, specPath string) (*SandboxClient, error) {
	callerEnd, sandboxEnd, err := channel.Pair[SandboxRequest, SandboxResponse]()
	if err != nil {
		return nil, err
	}
	defer callerEnd.Close()
	defer sandboxEnd.Close()

	response, err := c.roundTrip(ctx, ZygoteRequest{
		Kind: RequestSpawn,
		Spawn: &SpawnRequest{
			UserNamespace: userNamespace,
			SpecPath:      specPath,
			SandboxPeer:   sandboxEnd,
		},
	})
	if err != nil {
		return nil, err
	}
	if response.Kind != SpawnSuccess {
		return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, response.Error)
	}

	// Only the sandbox may hold the other end from here on, so its exit
	// surfaces as a broken channel.
	sandboxEnd.Close()
	peer, err := callerEnd.Connect(c.settings.Sandbox.ChannelTimeout)
	if err != nil {
		return nil, err
	}
	return connectClient(ctx, peer, response.SupervisorPID)
}

func (c *Controller) roundTrip(ctx context.Context, request ZygoteRequest) (ZygoteResponse, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.peer == nil {
		return ZygoteResponse{}, ErrControllerClosed
	}
	if err := c.peer.Send(request); err != nil {
		return ZygoteResponse{}, fmt.Errorf("sending to zygote: %w", err)
	}
	response, err := receive(ctx, c.peer)
	if err != nil {
		if closeErr := c.shutdownLocked(); closeErr != nil {
			c.logger.Warn("shutting down zygote after failed request", "error", closeErr)
		}
		return ZygoteResponse{}, fmt.Errorf("waiting for zygote: %w", err)
	}
	return response, nil
}

// Close closes the zygote channel, waits for the zygote to exit, and
// kills it if it does not. Sandboxes already spawned are unaffected.
func (c *Controller) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.shutdownLocked()
}

func (c *Controller) shutdownLocked() error {
	if c.peer == nil {
		return nil
	}
	err := c.peer.Close()
	c.peer = nil

	select {
	case <-c.zygote.Done():
	case <-time.After(c.settings.Sandbox.ChannelTimeout):
		c.logger.Warn("zygote still running after channel close, killing it", "zygote_pid", c.zygote.Pid())
	}
	err = multierr.Append(err, c.zygote.Release())
	if code := c.zygote.ExitCode(); code != 0 {
		err = multierr.Append(err, fmt.Errorf("zygote exited with code %d", code))
	}
	return err
}

// receive waits for one message, treating channel timeouts as a chance
// to check ctx rather than as failures.
func receive[S, R any](ctx context.Context, peer *channel.Peer[S, R]) (R, error) {
	for {
		message, err := peer.Recv()
		if !errors.Is(err, channel.ErrTimeout) {
			return message, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return message, ctxErr
		}
	}
}
