// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/userns"
)

// ZygoteRequestKind enumerates requests the zygote accepts.
type ZygoteRequestKind string

// RequestSpawn asks the zygote to create a new isolated subtree.
const RequestSpawn ZygoteRequestKind = "spawn"

// ZygoteRequest is sent by the daemon to the zygote.
type ZygoteRequest struct {
	Kind  ZygoteRequestKind `cbor:"kind"`
	Spawn *SpawnRequest     `cbor:"spawn,omitempty"`
}

// SpawnRequest describes one sandbox to create.
type SpawnRequest struct {
	// UserNamespace holds the mappings written for the supervisor.
	UserNamespace userns.Config `cbor:"user_namespace"`

	// SpecPath is the build specification path, passed through to the
	// sandbox unchanged.
	SpecPath string `cbor:"spec_path"`

	// SandboxPeer becomes the sandbox's end of the caller's channel. It
	// travels as a descriptor attachment, not in the encoded body.
	SandboxPeer *channel.Pending[SandboxResponse, SandboxRequest] `cbor:"-"`
}

// Attachments returns the sandbox peer descriptor, if any.
func (r ZygoteRequest) Attachments() []*os.File {
	if r.Spawn == nil || r.Spawn.SandboxPeer == nil {
		return nil
	}
	return []*os.File{r.Spawn.SandboxPeer.File()}
}

// Attach rebuilds the sandbox peer from a received descriptor. A spawn
// request carries exactly one; anything else carries none.
func (r *ZygoteRequest) Attach(files []*os.File) error {
	expected := 0
	if r.Spawn != nil {
		expected = 1
	}
	if len(files) != expected {
		return fmt.Errorf("%s request carries %d descriptors, expected %d", r.Kind, len(files), expected)
	}
	if expected == 1 {
		r.Spawn.SandboxPeer = channel.NewPending[SandboxResponse, SandboxRequest](files[0])
	}
	return nil
}

// ZygoteResponseKind enumerates zygote replies.
type ZygoteResponseKind string

const (
	// SpawnSuccess means the supervisor reported Started and has been
	// detached.
	SpawnSuccess ZygoteResponseKind = "spawn_success"
	// SpawnFailure means the spawn was abandoned; Error says why.
	SpawnFailure ZygoteResponseKind = "spawn_failure"
)

// ZygoteResponse answers one [ZygoteRequest].
type ZygoteResponse struct {
	Kind ZygoteResponseKind `cbor:"kind"`

	// SupervisorPID is the supervisor's PID in the zygote's namespace,
	// set on success.
	SupervisorPID int `cbor:"supervisor_pid,omitempty"`

	Error string `cbor:"error,omitempty"`
}

// SupervisorRequestKind enumerates handshake requests from the zygote.
type SupervisorRequestKind string

const (
	// UserMapped tells the supervisor its mappings are in place.
	UserMapped SupervisorRequestKind = "user_mapped"
	// Exit tells the supervisor to terminate without side effects.
	Exit SupervisorRequestKind = "exit"
)

// SupervisorRequest is sent by the zygote to a supervisor.
type SupervisorRequest struct {
	Kind SupervisorRequestKind `cbor:"kind"`
}

// SupervisorResponseKind enumerates supervisor replies.
type SupervisorResponseKind string

const (
	// Started means the sandbox process is running.
	Started SupervisorResponseKind = "started"
	// Failed means setup failed before the sandbox started.
	Failed SupervisorResponseKind = "failed"
)

// SupervisorResponse answers UserMapped.
type SupervisorResponse struct {
	Kind SupervisorResponseKind `cbor:"kind"`

	// SandboxPID is the sandbox's PID inside the new PID namespace.
	SandboxPID int `cbor:"sandbox_pid,omitempty"`

	Error string `cbor:"error,omitempty"`
}

// SandboxRequestKind enumerates requests a sandbox serves.
type SandboxRequestKind string

const (
	// Ping asks for a Pong.
	Ping SandboxRequestKind = "ping"
	// Run executes a command inside the sandbox and replies Exited.
	Run SandboxRequestKind = "run"
	// Shutdown ends the sandbox's serve loop without a reply.
	Shutdown SandboxRequestKind = "shutdown"
)

// SandboxRequest is sent by the caller to a sandbox.
type SandboxRequest struct {
	Kind SandboxRequestKind `cbor:"kind"`
	Run  *RunRequest        `cbor:"run,omitempty"`
}

// RunRequest describes one command to execute.
type RunRequest struct {
	Argv []string `cbor:"argv"`

	// Env replaces the environment. Empty means an empty environment.
	Env []string `cbor:"env,omitempty"`

	// Dir is the working directory. Empty means the sandbox's own.
	Dir string `cbor:"dir,omitempty"`
}

// SandboxResponseKind enumerates sandbox replies.
type SandboxResponseKind string

const (
	// Ready is sent once when the sandbox starts serving.
	Ready SandboxResponseKind = "ready"
	// Pong answers Ping.
	Pong SandboxResponseKind = "pong"
	// Exited answers Run.
	Exited SandboxResponseKind = "exited"
)

// SandboxResponse is sent by a sandbox to the caller.
type SandboxResponse struct {
	Kind SandboxResponseKind `cbor:"kind"`

	// SpecPath echoes the build specification path in Ready.
	SpecPath string `cbor:"spec_path,omitempty"`

	Exited *ExitStatus `cbor:"exited,omitempty"`
}

// MaxOutputLength bounds the output captured by a Run so the reply
// fits in one frame.
const MaxOutputLength = 8 * 1024 * 1024

// ExitStatus reports how a Run finished.
type ExitStatus struct {
	// Code is the exit code, or 128+signal for a signalled command,
	// or -1 if the command could not be started.
	Code int `cbor:"code"`

	// Error describes a start failure.
	Error string `cbor:"error,omitempty"`

	// Output is the command's standard output, truncated to
	// MaxOutputLength.
	Output []byte `cbor:"output,omitempty"`

	Truncated bool `cbor:"truncated,omitempty"`
}
