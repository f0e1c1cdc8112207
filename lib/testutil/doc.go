// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Kiln packages.
//
// [SocketDir] creates a short temporary directory in /tmp. Unix domain
// socket paths are limited to 108 bytes and t.TempDir() paths under
// nested build directories routinely exceed that, so any test that
// binds a socket or builds a store whose paths are logged in failure
// output uses SocketDir instead.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern used when a test waits on a goroutine (a zygote serve loop,
// a detached child's reaper) so that a hung test fails with a message
// instead of hitting the global test timeout.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
