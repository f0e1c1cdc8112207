// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/process"
)

// Entry point names. A binary that imports this package runs the
// matching role when re-executed with one of these as argv[0], provided
// main calls process.Init first.
const (
	ZygoteEntry     = "kiln-zygote"
	SupervisorEntry = "kiln-supervisor"
	SandboxEntry    = "kiln-sandbox"
	ProbeEntry      = "kiln-namespace-probe"
)

func init() {
	process.Register(ZygoteEntry, func() int { return runZygote(nil) })
	process.Register(SupervisorEntry, func() int { return runSupervisor(prepareNamespaces) })
	process.Register(SandboxEntry, runSandbox)
	process.Register(ProbeEntry, runProbe)
}

// runZygote is the body of the zygote entry point: fd 3 is the daemon's
// channel, fd 4 the bootstrap pipe. configure, if set, adjusts the
// zygote before it serves.
func runZygote(configure func(*Zygote)) int {
	boot, err := readBootstrap(os.NewFile(4, "bootstrap"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ZygoteEntry, err)
		return 1
	}
	logger := entryLogger(boot.Settings, "zygote")

	pending := channel.NewPending[ZygoteResponse, ZygoteRequest](os.NewFile(3, "zygote-peer"))
	peer, err := pending.Connect(boot.Settings.Sandbox.ChannelTimeout)
	if err != nil {
		logger.Error("connecting to daemon", "error", err)
		return 1
	}
	defer peer.Close()

	zygote := NewZygote(&boot.Settings, nil, logger)
	if configure != nil {
		configure(zygote)
	}
	if err := zygote.Serve(peer); err != nil {
		logger.Error("zygote stopped", "error", err)
		return 1
	}
	return 0
}

// runProbe performs the namespace setup a supervisor performs, so
// [DetectCapabilities] fails wherever spawning would.
func runProbe() int {
	if err := prepareNamespaces(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ProbeEntry, err)
		return 1
	}
	return 0
}
