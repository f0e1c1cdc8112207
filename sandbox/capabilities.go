// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/bureau-foundation/kiln/lib/process"
)

// Capabilities describes what isolation features are available on this
// system.
type Capabilities struct {
	// UserNamespacesEnabled is true if this process can create the PID,
	// mount, and user namespaces a supervisor needs.
	UserNamespacesEnabled bool

	// UserNamespaceProblem explains why UserNamespacesEnabled is false.
	UserNamespaceProblem string

	// NewUIDMapPath and NewGIDMapPath locate the shadow-utils mapping
	// helpers, if installed.
	NewUIDMapPath string
	NewGIDMapPath string
}

// DetectCapabilities checks what isolation features are available.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{}

	caps.UserNamespacesEnabled, caps.UserNamespaceProblem = checkUserNamespaces()

	if path, err := exec.LookPath("newuidmap"); err == nil {
		caps.NewUIDMapPath = path
	}
	if path, err := exec.LookPath("newgidmap"); err == nil {
		caps.NewGIDMapPath = path
	}

	return caps
}

// CanRunSandbox returns true if supervisors can be spawned.
func (c *Capabilities) CanRunSandbox() bool {
	return c.UserNamespacesEnabled
}

// HelpersAvailable returns true if both mapping helpers are installed,
// which multi-range mappings require for unprivileged daemons.
func (c *Capabilities) HelpersAvailable() bool {
	return c.NewUIDMapPath != "" && c.NewGIDMapPath != ""
}

// checkUserNamespaces tests whether the namespace set used for
// supervisors can actually be created. The probe re-executes the
// running binary, so it is only meaningful in binaries whose main (or
// TestMain) calls process.Init.
func checkUserNamespaces() (bool, string) {
	// First check the sysctls.
	if os.Getuid() != 0 {
		data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
		if err == nil && strings.TrimSpace(string(data)) == "0" {
			return false, "unprivileged user namespaces disabled (set kernel.unprivileged_userns_clone=1)"
		}
	}
	data, err := os.ReadFile("/proc/sys/user/max_user_namespaces")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false, "user namespaces disabled (user.max_user_namespaces=0)"
	}

	// Then try to create them and set them up as a supervisor would.
	cmd := process.Command(ProbeEntry)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  NamespaceFlags,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Sprintf("creating namespaces failed: %v: %s", err, strings.TrimSpace(string(output)))
	}
	return true, ""
}

// SkipReason returns a human-readable reason why sandboxing isn't available,
// or empty string if it is available.
func (c *Capabilities) SkipReason() string {
	if !c.UserNamespacesEnabled {
		return c.UserNamespaceProblem
	}
	return ""
}
