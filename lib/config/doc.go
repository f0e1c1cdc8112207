// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the kiln daemon
// and CLI.
//
// Configuration is loaded from a single file specified by either the
// KILN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults log JSON and keep
// scratch files longer before sweeping them.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${KILN_ROOT}, and ${VAR:-default} patterns are expanded.
//
// The daemon passes the loaded [Config] unchanged into every spawned
// supervisor, so every field must survive a CBOR round trip.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Sandbox, Store, Logging, Metrics
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
