// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/bureau-foundation/kiln/lib/channel"
)

// server is the sandbox side of the caller's channel.
type server struct {
	peer     *channel.Peer[SandboxResponse, SandboxRequest]
	specPath string
	logger   *slog.Logger
}

// serve announces Ready and answers requests until Shutdown or until
// the caller closes the channel. It returns the sandbox's exit code.
func (s *server) serve() int {
	if err := s.peer.Send(SandboxResponse{Kind: Ready, SpecPath: s.specPath}); err != nil {
		s.logger.Error("announcing readiness", "error", err)
		return 1
	}

	for {
		request, err := s.peer.Recv()
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if errors.Is(err, channel.ErrBrokenChannel) {
			s.logger.Debug("caller closed sandbox channel")
			return 0
		}
		if err != nil {
			s.logger.Error("receiving sandbox request", "error", err)
			return 1
		}

		var response SandboxResponse
		switch request.Kind {
		case Ping:
			response = SandboxResponse{Kind: Pong}
		case Run:
			status := execute(request.Run)
			s.logger.Info("command finished", "exit_code", status.Code, "output_bytes", len(status.Output))
			response = SandboxResponse{Kind: Exited, Exited: &status}
		case Shutdown:
			return 0
		default:
			s.logger.Warn("ignoring unknown sandbox request", "kind", request.Kind)
			continue
		}

		if err := s.peer.Send(response); err != nil {
			if errors.Is(err, channel.ErrBrokenChannel) {
				return 0
			}
			s.logger.Error("sending sandbox response", "kind", response.Kind, "error", err)
			return 1
		}
	}
}

// execute runs one command to completion and captures its standard
// output.
func execute(run *RunRequest) ExitStatus {
	if run == nil || len(run.Argv) == 0 {
		return ExitStatus{Code: -1, Error: "run request has no argv"}
	}

	cmd := exec.Command(run.Argv[0], run.Argv[1:]...)
	cmd.Env = append([]string{}, run.Env...)
	cmd.Dir = run.Dir
	output := &limitedBuffer{limit: MaxOutputLength}
	cmd.Stdout = output
	cmd.Stderr = os.Stderr

	status := ExitStatus{}
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitCode()
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok && waitStatus.Signaled() {
			status.Code = 128 + int(waitStatus.Signal())
		}
	default:
		status.Code = -1
		status.Error = err.Error()
	}
	status.Output = output.data
	status.Truncated = output.truncated
	return status
}

// limitedBuffer keeps the first limit bytes written to it and discards
// the rest without failing the writer.
type limitedBuffer struct {
	data      []byte
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.data)
	if len(p) > room {
		b.data = append(b.data, p[:max(room, 0)]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// runSandbox is the body of the sandbox entry point.
func runSandbox() int {
	boot, err := readBootstrap(os.NewFile(4, "bootstrap"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", SandboxEntry, err)
		return 1
	}
	logger := entryLogger(boot.Settings, "sandbox")

	pending := channel.NewPending[SandboxResponse, SandboxRequest](os.NewFile(3, "sandbox-peer"))
	peer, err := pending.Connect(boot.Settings.Sandbox.ChannelTimeout)
	if err != nil {
		logger.Error("connecting to caller", "error", err)
		return 1
	}
	defer peer.Close()

	s := &server{peer: peer, specPath: boot.SpecPath, logger: logger}
	return s.serve()
}
