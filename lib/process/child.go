// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/bureau-foundation/kiln/lib/logging"
)

// ErrDetached is returned by [Child.Detach] when the handle has already
// been detached or released.
var ErrDetached = errors.New("process: child already detached or released")

type childState int

const (
	childOwned childState = iota
	childReleased
	childDetached
)

// Child is an owned handle on a started process.
//
// The handle reaps the process in the background as soon as it exits,
// so an owned or detached child never lingers as a zombie. What differs
// is [Child.Release]: an owned child is killed and waited for, a
// detached child is left alone. Callers defer Release immediately after
// [Start] and call Detach once the child should outlive them.
type Child struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	mutex sync.Mutex
	state childState

	done    chan struct{}
	waitErr error
}

// Start starts cmd and returns an owned handle on it.
func Start(cmd *exec.Cmd, logger *slog.Logger) (*Child, error) {
	logger = logging.Ensure(logger)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Args[0], err)
	}
	child := &Child{
		cmd:    cmd,
		logger: logger.With("pid", cmd.Process.Pid, "entry", cmd.Args[0]),
		done:   make(chan struct{}),
	}
	go child.reap()
	return child, nil
}

// Pid returns the child's process identifier as seen by the parent.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the child's exit code, or -1 if it has not been
// reaped yet or was killed by a signal.
func (c *Child) ExitCode() int {
	select {
	case <-c.done:
		return c.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Release kills the child with SIGKILL and waits until it has been
// reaped. Releasing a detached or already released child is a no-op.
func (c *Child) Release() error {
	c.mutex.Lock()
	if c.state != childOwned {
		c.mutex.Unlock()
		return nil
	}
	c.state = childReleased
	c.mutex.Unlock()

	if err := c.cmd.Process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", c.Pid(), err)
	}
	<-c.done
	return nil
}

// Detach permanently gives up ownership: later Release calls no longer
// kill the child. It can be called once.
func (c *Child) Detach() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != childOwned {
		return ErrDetached
	}
	c.state = childDetached
	return nil
}

func (c *Child) reap() {
	c.waitErr = c.cmd.Wait()
	close(c.done)

	c.mutex.Lock()
	state := c.state
	c.mutex.Unlock()
	switch state {
	case childDetached:
		c.logger.Debug("detached child exited", "exit_code", c.cmd.ProcessState.ExitCode())
	case childOwned:
		c.logger.Debug("child exited before release", "error", c.waitErr)
	}
}
