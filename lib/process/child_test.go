// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kiln/lib/testutil"
)

const exitSevenEntry = "kiln-process-test-exit-seven"

func TestMain(m *testing.M) {
	Register(exitSevenEntry, func() int { return 7 })
	if Init() {
		return
	}
	os.Exit(m.Run())
}

func startSleeper(t *testing.T) *Child {
	t.Helper()
	child, err := Start(exec.Command("sleep", "60"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Kill(child.Pid(), unix.SIGKILL)
	})
	return child
}

func TestReleaseKillsAndReaps(t *testing.T) {
	child := startSleeper(t)
	pid := child.Pid()

	if err := child.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	testutil.RequireClosed(t, child.Done(), 5*time.Second, "child reaped after Release")

	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("kill(%d, 0) after Release = %v, want ESRCH", pid, err)
	}
	if err := child.Release(); err != nil {
		t.Errorf("second Release = %v, want nil", err)
	}
}

func TestDetachedChildSurvivesRelease(t *testing.T) {
	child := startSleeper(t)

	if err := child.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := child.Release(); err != nil {
		t.Fatalf("Release after Detach: %v", err)
	}

	select {
	case <-child.Done():
		t.Fatal("detached child exited after Release")
	case <-time.After(100 * time.Millisecond):
	}
	if err := unix.Kill(child.Pid(), 0); err != nil {
		t.Errorf("detached child not running: %v", err)
	}

	// Detached children are still reaped when they exit on their own.
	if err := unix.Kill(child.Pid(), unix.SIGTERM); err != nil {
		t.Fatalf("SIGTERM: %v", err)
	}
	testutil.RequireClosed(t, child.Done(), 5*time.Second, "detached child reaped")
}

func TestDetachIsOneShot(t *testing.T) {
	child := startSleeper(t)
	if err := child.Detach(); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := child.Detach(); !errors.Is(err, ErrDetached) {
		t.Errorf("second Detach = %v, want ErrDetached", err)
	}

	released := startSleeper(t)
	if err := released.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := released.Detach(); !errors.Is(err, ErrDetached) {
		t.Errorf("Detach after Release = %v, want ErrDetached", err)
	}
}

func TestReleaseAfterChildExited(t *testing.T) {
	child, err := Start(exec.Command("true"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.RequireClosed(t, child.Done(), 5*time.Second, "child exit")
	if err := child.Release(); err != nil {
		t.Errorf("Release of exited child = %v, want nil", err)
	}
	if code := child.ExitCode(); code != 0 {
		t.Errorf("ExitCode = %d, want 0", code)
	}
}

func TestCommandRunsRegisteredEntry(t *testing.T) {
	cmd := Command(exitSevenEntry)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run = %v, want exit error", err)
	}
	if code := exitErr.ExitCode(); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register(exitSevenEntry, func() int { return 0 })
}
