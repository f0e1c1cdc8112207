// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments for build
// tasks using Linux PID, mount, and user namespaces.
//
// Three process roles cooperate, each a re-execution of the running
// binary under a registered entry name (see lib/process):
//
//   - The zygote ([Zygote]) is a long-lived request server started by
//     the daemon's [Controller]. It handles one [SpawnRequest] at a
//     time and never exits because a spawn failed; it exits cleanly
//     when the daemon closes its channel.
//   - The supervisor is created per spawn by a single clone(2) that
//     establishes all three namespaces at once. It blocks until the
//     zygote has written its UID/GID mappings and sends UserMapped,
//     then makes its mount tree private, mounts a fresh /proc, starts
//     the sandbox, reports Started, and reaps as PID 1 until the
//     sandbox exits.
//   - The sandbox serves the caller over the channel end that travelled
//     inside the spawn request: [SandboxClient] on the daemon side.
//
// Spawn protocol, as run by the zygote:
//
//  1. Create a channel pair for the supervisor handshake.
//  2. Start the supervisor in new namespaces, passing the handshake
//     end, the caller's sandbox end, and a bootstrap frame carrying the
//     daemon configuration and build specification path.
//  3. Write the supervisor's user namespace mappings.
//  4. On mapping failure, send Exit (best effort), kill and reap the
//     supervisor, and reply SpawnFailure.
//  5. Otherwise send UserMapped and wait for one response. Failed is a
//     spawn failure; anything else is success.
//  6. On success, detach the supervisor handle so the subtree outlives
//     the zygote's bookkeeping, and reply SpawnSuccess.
//
// Failures inside the sandbox after the supervisor reports Started are
// not reported to the zygote. They reach the holder of the sandbox
// channel as a broken channel or an Exited response, and show up in the
// supervisor's exit status.
//
// [DetectCapabilities] probes whether this host can create the
// namespaces at all; tests skip on its [Capabilities.SkipReason].
package sandbox
