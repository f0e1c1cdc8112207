// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/kiln/lib/testutil"
	"github.com/bureau-foundation/kiln/lib/userns"
)

func startPlainController(t *testing.T) *Controller {
	t.Helper()
	controller, err := startZygote(plainZygoteEntry, testSettings(), testLogger())
	if err != nil {
		t.Fatalf("startZygote: %v", err)
	}
	t.Cleanup(func() { controller.Close() })
	return controller
}

func TestControllerSpawnRun(t *testing.T) {
	controller := startPlainController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	successBefore := counterValue(t, "kiln_sandbox_spawns_total", resultSuccess)

	client, err := controller.Spawn(ctx, userns.Current(), "/specs/build.yaml")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer client.Close()

	if client.SpecPath() != "/specs/build.yaml" {
		t.Errorf("SpecPath = %q", client.SpecPath())
	}
	if client.SupervisorPID() <= 0 {
		t.Errorf("SupervisorPID = %d", client.SupervisorPID())
	}
	if got := counterValue(t, "kiln_sandbox_spawns_total", resultSuccess); got != successBefore+1 {
		t.Errorf("success counter = %v, want %v", got, successBefore+1)
	}

	status, err := client.Run(ctx, RunRequest{
		Argv: []string{"/bin/sh", "-c", "echo built; echo \"$GREETING\"; exit 3"},
		Env:  []string{"GREETING=hello"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status.Code != 3 {
		t.Errorf("exit code = %d, want 3", status.Code)
	}
	if string(status.Output) != "built\nhello\n" {
		t.Errorf("output = %q", status.Output)
	}

	status, err = client.Run(ctx, RunRequest{Argv: []string{"/nonexistent/kiln-tool"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status.Code != -1 || status.Error == "" {
		t.Errorf("status for missing binary = %+v, want code -1 with error", status)
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping after runs: %v", err)
	}
	if err := client.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	requireProcessGone(t, client.SupervisorPID())
}

func TestControllerConcurrentSpawns(t *testing.T) {
	controller := startPlainController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const count = 4
	results := make(chan error, count)
	for range count {
		go func() {
			client, err := controller.Spawn(ctx, userns.Current(), "/specs/concurrent.yaml")
			if err != nil {
				results <- err
				return
			}
			err = client.Ping(ctx)
			client.Close()
			results <- err
		}()
	}
	for range count {
		if err := testutil.RequireReceive(t, results, 30*time.Second, "concurrent spawn"); err != nil {
			t.Errorf("spawn: %v", err)
		}
	}
}

func TestControllerClose(t *testing.T) {
	controller := startPlainController(t)
	if err := controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, controller.zygote.Done(), 5*time.Second, "zygote exit")

	_, err := controller.Spawn(context.Background(), userns.Current(), "/specs/late.yaml")
	if !errors.Is(err, ErrControllerClosed) {
		t.Errorf("Spawn after Close = %v, want ErrControllerClosed", err)
	}
	if err := controller.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestLimitedBuffer(t *testing.T) {
	buffer := &limitedBuffer{limit: 5}
	for _, chunk := range []string{"abc", "def", "ghi"} {
		if n, err := buffer.Write([]byte(chunk)); n != len(chunk) || err != nil {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if string(buffer.data) != "abcde" || !buffer.truncated {
		t.Errorf("buffer = %q truncated=%v, want \"abcde\" truncated", buffer.data, buffer.truncated)
	}
}

func TestSandboxOutlivesZygote(t *testing.T) {
	controller := startPlainController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := controller.Spawn(ctx, userns.Current(), "/specs/detached.yaml")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer client.Close()

	if err := controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, controller.zygote.Done(), 5*time.Second, "zygote exit")

	if err := unix.Kill(client.SupervisorPID(), 0); err != nil {
		t.Errorf("supervisor %d gone after zygote exit: %v", client.SupervisorPID(), err)
	}
	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping after zygote exit: %v", err)
	}
	if err := client.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
