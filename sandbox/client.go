// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/kiln/lib/channel"
)

// SandboxClient is the caller's end of one sandbox's channel.
type SandboxClient struct {
	supervisorPID int
	specPath      string

	mutex     sync.Mutex
	peer      *channel.Peer[SandboxRequest, SandboxResponse]
	closeOnce sync.Once
	closeErr  error
}

// connectClient waits for the sandbox's Ready announcement on peer.
// The peer is closed on failure.
func connectClient(ctx context.Context, peer *channel.Peer[SandboxRequest, SandboxResponse], supervisorPID int) (*SandboxClient, error) {
	ready, err := receive(ctx, peer)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("waiting for sandbox ready: %w", err)
	}
	if ready.Kind != Ready {
		peer.Close()
		return nil, fmt.Errorf("sandbox sent %q before ready", ready.Kind)
	}
	activeSandboxes.Inc()
	return &SandboxClient{
		supervisorPID: supervisorPID,
		specPath:      ready.SpecPath,
		peer:          peer,
	}, nil
}

// SupervisorPID returns the PID of the sandbox's supervisor as seen
// from the zygote.
func (c *SandboxClient) SupervisorPID() int {
	return c.supervisorPID
}

// SpecPath returns the build specification path the sandbox reported.
func (c *SandboxClient) SpecPath() string {
	return c.specPath
}

// Ping checks that the sandbox is serving.
func (c *SandboxClient) Ping(ctx context.Context) error {
	response, err := c.call(ctx, SandboxRequest{Kind: Ping})
	if err != nil {
		return err
	}
	if response.Kind != Pong {
		return fmt.Errorf("sandbox answered ping with %q", response.Kind)
	}
	return nil
}

// Run executes a command inside the sandbox and waits for it to
// finish. A command that runs but fails is not an error; inspect the
// returned status.
func (c *SandboxClient) Run(ctx context.Context, run RunRequest) (*ExitStatus, error) {
	response, err := c.call(ctx, SandboxRequest{Kind: Run, Run: &run})
	if err != nil {
		return nil, err
	}
	if response.Kind != Exited || response.Exited == nil {
		return nil, fmt.Errorf("sandbox answered run with %q", response.Kind)
	}
	return response.Exited, nil
}

// Shutdown asks the sandbox to exit and closes the channel.
func (c *SandboxClient) Shutdown() error {
	c.mutex.Lock()
	err := c.peer.Send(SandboxRequest{Kind: Shutdown})
	c.mutex.Unlock()
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close closes the channel. The sandbox sees a broken channel and
// exits.
func (c *SandboxClient) Close() error {
	c.closeOnce.Do(func() {
		activeSandboxes.Dec()
		c.closeErr = c.peer.Close()
	})
	return c.closeErr
}

func (c *SandboxClient) call(ctx context.Context, request SandboxRequest) (SandboxResponse, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.peer.Send(request); err != nil {
		return SandboxResponse{}, fmt.Errorf("sending %s: %w", request.Kind, err)
	}
	response, err := receive(ctx, c.peer)
	if err != nil {
		// A reply that arrives later would answer the next call.
		c.Close()
		return SandboxResponse{}, fmt.Errorf("waiting for %s reply: %w", request.Kind, err)
	}
	return response, nil
}
