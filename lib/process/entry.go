// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// SelfExe is the path used to re-execute the running binary. It
// resolves through procfs, so it keeps working if the binary on disk is
// replaced while the daemon runs.
const SelfExe = "/proc/self/exe"

var (
	entriesMutex sync.Mutex
	entries      = map[string]func() int{}
)

// Register associates an entry point with name. The function's return
// value becomes the process exit code. Register panics on duplicate
// names; it is meant to be called from init functions.
func Register(name string, entry func() int) {
	entriesMutex.Lock()
	defer entriesMutex.Unlock()
	if _, exists := entries[name]; exists {
		panic(fmt.Sprintf("process: entry point %q registered twice", name))
	}
	entries[name] = entry
}

// Init runs the registered entry point named by argv[0] and exits with
// its result. It returns false, without side effects, when argv[0] is
// not a registered name, so main continues normally.
func Init() bool {
	entriesMutex.Lock()
	entry, exists := entries[os.Args[0]]
	entriesMutex.Unlock()
	if !exists {
		return false
	}
	os.Exit(entry())
	return true
}

// Command returns a command that re-executes the running binary as the
// entry point name with the given arguments.
func Command(name string, args ...string) *exec.Cmd {
	return &exec.Cmd{
		Path: SelfExe,
		Args: append([]string{name}, args...),
	}
}
