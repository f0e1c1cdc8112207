// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNamespaceSpawn(t *testing.T) {
	if reason := DetectCapabilities().SkipReason(); reason != "" {
		t.Skip(reason)
	}

	settings := testSettings()
	controller, err := StartZygote(settings, testLogger())
	if err != nil {
		t.Fatalf("StartZygote: %v", err)
	}
	defer controller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := controller.Spawn(ctx, settings.Sandbox.UserNamespace, "/specs/isolated.yaml")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer client.Close()

	namespaces := []string{"pid", "mnt", "user"}
	script := "tr '\\000' '\\n' < /proc/1/cmdline | head -n 1; id -u"
	for _, namespace := range namespaces {
		script += "; readlink /proc/self/ns/" + namespace
	}
	status, err := client.Run(ctx, RunRequest{
		Argv: []string{"/bin/sh", "-c", script},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status.Code != 0 {
		t.Fatalf("status = %+v", status)
	}
	lines := strings.Fields(string(status.Output))
	if len(lines) != 2+len(namespaces) {
		t.Fatalf("output = %q", status.Output)
	}

	// The supervisor is PID 1 of the new PID namespace.
	if lines[0] != SupervisorEntry {
		t.Errorf("PID 1 inside the sandbox is %q, want %q", lines[0], SupervisorEntry)
	}
	if lines[1] != "0" {
		t.Errorf("uid inside namespace = %q, want 0", lines[1])
	}
	for i, namespace := range namespaces {
		host, err := os.Readlink("/proc/self/ns/" + namespace)
		if err != nil {
			t.Fatalf("reading own %s namespace: %v", namespace, err)
		}
		if inside := lines[2+i]; inside == host {
			t.Errorf("%s namespace %s is shared with the test process", namespace, inside)
		}
	}
	if err := client.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestCapabilitiesSkipReason(t *testing.T) {
	caps := &Capabilities{UserNamespaceProblem: "disabled"}
	if caps.SkipReason() != "disabled" || caps.CanRunSandbox() {
		t.Errorf("unavailable caps: SkipReason=%q CanRunSandbox=%v", caps.SkipReason(), caps.CanRunSandbox())
	}
	caps = &Capabilities{UserNamespacesEnabled: true}
	if caps.SkipReason() != "" || !caps.CanRunSandbox() {
		t.Errorf("available caps: SkipReason=%q CanRunSandbox=%v", caps.SkipReason(), caps.CanRunSandbox())
	}
}
