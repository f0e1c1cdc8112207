// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package userns

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrProcessGone is returned when the target process no longer
	// exists.
	ErrProcessGone = errors.New("userns: target process no longer exists")

	// ErrInvalidMapping is returned for ranges the kernel (or
	// [Config.Validate]) rejects.
	ErrInvalidMapping = errors.New("userns: invalid id mapping")

	// ErrPermission is returned when the caller lacks the privilege to
	// install the requested mapping.
	ErrPermission = errors.New("userns: insufficient privilege to write id mapping")
)

// procRoot is the procfs mount used to locate mapping files.
const procRoot = "/proc"

// Mapper writes mappings for processes in new user namespaces.
type Mapper struct {
	// ProcRoot overrides the procfs mount point. Empty means /proc.
	ProcRoot string

	// NewUIDMap and NewGIDMap override the helper binary paths. Empty
	// means look them up in PATH.
	NewUIDMap string
	NewGIDMap string
}

// WriteMappings installs config's mappings for pid.
func (m Mapper) WriteMappings(pid int, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if err := m.checkProcess(pid); err != nil {
		return err
	}
	if config.UseHelpers {
		if err := m.runHelper(m.helperPath(m.NewUIDMap, "newuidmap"), pid, config.UIDMappings); err != nil {
			return err
		}
		return m.runHelper(m.helperPath(m.NewGIDMap, "newgidmap"), pid, config.GIDMappings)
	}

	if err := m.writeFile(pid, "uid_map", formatMap(config.UIDMappings)); err != nil {
		return err
	}
	if !config.SetGroups {
		if err := m.writeFile(pid, "setgroups", "deny"); err != nil {
			return err
		}
	}
	return m.writeFile(pid, "gid_map", formatMap(config.GIDMappings))
}

func (m Mapper) procRoot() string {
	if m.ProcRoot != "" {
		return m.ProcRoot
	}
	return procRoot
}

func (m Mapper) checkProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if _, err := os.Stat(filepath.Join(m.procRoot(), strconv.Itoa(pid))); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return fmt.Errorf("checking pid %d: %w", pid, err)
	}
	return nil
}

// writeFile performs the single write(2) the kernel requires for a
// mapping file.
func (m Mapper) writeFile(pid int, name, content string) error {
	path := filepath.Join(m.procRoot(), strconv.Itoa(pid), name)
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return classify(pid, name, err)
	}
	_, writeErr := file.Write([]byte(content))
	closeErr := file.Close()
	if writeErr != nil {
		return classify(pid, name, writeErr)
	}
	if closeErr != nil {
		return classify(pid, name, closeErr)
	}
	return nil
}

func (m Mapper) helperPath(override, name string) string {
	if override != "" {
		return override
	}
	return name
}

func (m Mapper) runHelper(helper string, pid int, ranges []IDMap) error {
	cmd := exec.Command(helper, helperArgs(pid, ranges)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s not installed", ErrPermission, helper)
		}
		if err := m.checkProcess(pid); err != nil {
			return err
		}
		message := strings.TrimSpace(stderr.String())
		if strings.Contains(message, "Invalid argument") {
			return fmt.Errorf("%w: %s: %s", ErrInvalidMapping, filepath.Base(helper), message)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrPermission, filepath.Base(helper), err, message)
	}
	return nil
}

// classify maps errno values from opening or writing a mapping file
// onto the package's error classes.
func classify(pid int, name string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: pid %d (%s): %v", ErrProcessGone, pid, name, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: pid %d (%s): %v", ErrInvalidMapping, pid, name, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: pid %d (%s): %v", ErrPermission, pid, name, err)
	default:
		return fmt.Errorf("writing %s for pid %d: %w", name, pid, err)
	}
}
