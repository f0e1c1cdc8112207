// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// kiln runs build commands inside nested PID, mount, and user
// namespaces and keeps their outputs in a content-addressed store.
//
// Usage:
//
//	kiln daemon
//	kiln run --spec <path> [--output <file>] -- <command> [args...]
//	kiln store put [file]
//	kiln store cat <hash>
//	kiln store sweep [--min-age <duration>]
//	kiln store collect [--keep <hash>]...
//	kiln capabilities
//	kiln version
//
// Configuration comes from --config, then KILN_CONFIG, then built-in
// defaults. The binary also serves as the zygote, supervisor, and
// sandbox processes: each is a re-execution of /proc/self/exe under a
// registered entry name.
package main
