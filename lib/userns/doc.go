// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package userns writes UID/GID mappings for a process that was created
// in a new user namespace.
//
// The write is performed by the parent after the child exists and
// before the child does anything that depends on a mapped identity; the
// isolation hierarchy enforces that ordering with a handshake message.
// Mappings are written either directly to /proc/<pid>/uid_map and
// gid_map (possible for a single range mapping the caller's own IDs, or
// for any ranges when the caller holds CAP_SETUID/CAP_SETGID), or via
// the setuid newuidmap/newgidmap helpers, which consult /etc/subuid
// and /etc/subgid.
//
// Failures are classified with errors.Is against [ErrProcessGone],
// [ErrInvalidMapping], and [ErrPermission].
package userns
