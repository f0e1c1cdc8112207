// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process owns the lifecycle of Kiln's child processes and the
// binary entry points they run.
//
// Every process in the isolation hierarchy runs the same binary. A
// role (zygote, supervisor, sandbox) is an entry point registered with
// [Register]; [Command] builds an exec.Cmd that re-executes
// /proc/self/exe with the entry point's name as argv[0], and [Init],
// called first thing in main (or TestMain), dispatches to it. Creating
// a process this way lets namespace flags be applied by the single
// clone(2) that exec.Cmd performs.
//
// [Child] is an owned handle on a started process. Releasing it kills
// and reaps the process; detaching it gives the process up for good,
// after which it is only reaped, never killed, by this handle.
//
// [Fatal] is the pre-logger error exit used by main functions.
package process
