// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/process"
	"github.com/bureau-foundation/kiln/lib/userns"
)

// Entry points that run the real supervisor and zygote code without
// creating namespaces, so the protocol can be exercised on any host.
const (
	plainSupervisorEntry   = "kiln-test-plain-supervisor"
	failingSupervisorEntry = "kiln-test-failing-supervisor"
	plainZygoteEntry       = "kiln-test-plain-zygote"
)

var plainLauncher = launcher{entry: plainSupervisorEntry}

func TestMain(m *testing.M) {
	process.Register(plainSupervisorEntry, func() int {
		return runSupervisor(func() error { return nil })
	})
	process.Register(failingSupervisorEntry, func() int {
		return runSupervisor(func() error { return errors.New("mount denied") })
	})
	process.Register(plainZygoteEntry, func() int {
		return runZygote(func(z *Zygote) {
			z.mapper = mapperFunc(func(int, userns.Config) error { return nil })
			z.launcher = plainLauncher
		})
	})
	process.Init()
	os.Exit(m.Run())
}

type mapperFunc func(pid int, config userns.Config) error

func (f mapperFunc) WriteMappings(pid int, config userns.Config) error {
	return f(pid, config)
}

func testSettings() *config.Config {
	settings := config.Default()
	settings.Logging.Format = "text"
	settings.Logging.Level = "warn"
	return settings
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testZygote returns a zygote that starts supervisors through launch.
func testZygote(mapper IDMapper, launch launcher) *Zygote {
	zygote := NewZygote(testSettings(), mapper, testLogger())
	zygote.launcher = launch
	return zygote
}

// serveZygote runs zygote.Serve in the background and returns the
// daemon's end of its channel together with the loop's result.
func serveZygote(t *testing.T, zygote *Zygote) (*channel.Peer[ZygoteRequest, ZygoteResponse], <-chan error) {
	t.Helper()
	daemonEnd, zygoteEnd, err := channel.Pair[ZygoteRequest, ZygoteResponse]()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	zygotePeer, err := zygoteEnd.Connect(channel.DefaultTimeout)
	if err != nil {
		t.Fatalf("Connect zygote end: %v", err)
	}
	daemonPeer, err := daemonEnd.Connect(10 * time.Second)
	if err != nil {
		t.Fatalf("Connect daemon end: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- zygote.Serve(zygotePeer)
		zygotePeer.Close()
	}()
	t.Cleanup(func() { daemonPeer.Close() })
	return daemonPeer, done
}

// spawnRequest builds a spawn request and returns the caller's end of
// the sandbox channel. The request's sandbox end must be closed by the
// caller once sent.
func spawnRequest(t *testing.T, specPath string) (ZygoteRequest, *channel.Pending[SandboxRequest, SandboxResponse]) {
	t.Helper()
	callerEnd, sandboxEnd, err := channel.Pair[SandboxRequest, SandboxResponse]()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(func() {
		callerEnd.Close()
		sandboxEnd.Close()
	})
	request := ZygoteRequest{
		Kind: RequestSpawn,
		Spawn: &SpawnRequest{
			UserNamespace: userns.Current(),
			SpecPath:      specPath,
			SandboxPeer:   sandboxEnd,
		},
	}
	return request, callerEnd
}

// requireProcessGone waits until pid no longer exists.
func requireProcessGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := unix.Kill(pid, 0)
		if errors.Is(err, unix.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %d still exists (kill 0: %v)", pid, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
