// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package userns

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := IDMap{InsideID: 0, OutsideID: 1000, Count: 1}
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"current", Current(), false},
		{"single range", Config{UIDMappings: []IDMap{valid}, GIDMappings: []IDMap{valid}}, false},
		{"disjoint ranges", Config{
			UIDMappings: []IDMap{{0, 1000, 1}, {1, 100000, 65536}},
			GIDMappings: []IDMap{valid},
		}, false},
		{"no uid mappings", Config{GIDMappings: []IDMap{valid}}, true},
		{"no gid mappings", Config{UIDMappings: []IDMap{valid}}, true},
		{"zero count", Config{UIDMappings: []IDMap{{0, 1000, 0}}, GIDMappings: []IDMap{valid}}, true},
		{"inside overlap", Config{
			UIDMappings: []IDMap{{0, 1000, 10}, {5, 5000, 10}},
			GIDMappings: []IDMap{valid},
		}, true},
		{"outside overlap", Config{
			UIDMappings: []IDMap{valid},
			GIDMappings: []IDMap{{0, 1000, 10}, {100, 1005, 10}},
		}, true},
		{"overflow", Config{
			UIDMappings: []IDMap{{0, 0xFFFFFFFF, 2}},
			GIDMappings: []IDMap{valid},
		}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := test.config.Validate()
			if test.wantErr {
				if !errors.Is(err, ErrInvalidMapping) {
					t.Errorf("Validate() = %v, want ErrInvalidMapping", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestValidateRangeLimit(t *testing.T) {
	t.Parallel()

	ranges := make([]IDMap, MaxRanges+1)
	for i := range ranges {
		ranges[i] = IDMap{InsideID: uint32(i), OutsideID: uint32(100000 + i), Count: 1}
	}
	config := Config{UIDMappings: ranges, GIDMappings: ranges[:1]}
	if err := config.Validate(); !errors.Is(err, ErrInvalidMapping) {
		t.Errorf("Validate() with %d ranges = %v, want ErrInvalidMapping", len(ranges), err)
	}
}

func TestFormatMap(t *testing.T) {
	t.Parallel()

	got := formatMap([]IDMap{{0, 1000, 1}, {1, 100000, 65536}})
	want := "0 1000 1\n1 100000 65536\n"
	if got != want {
		t.Errorf("formatMap() = %q, want %q", got, want)
	}
}

// fakeProc creates a directory shaped like /proc/<pid> with empty
// mapping files, returning the root and the pid used.
func fakeProc(t *testing.T, files ...string) (string, int) {
	t.Helper()
	root := t.TempDir()
	pid := 4242
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root, pid
}

func readProcFile(t *testing.T, root string, pid int, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestWriteMappingsDirect(t *testing.T) {
	t.Parallel()

	root, pid := fakeProc(t, "uid_map", "gid_map", "setgroups")
	config := Config{
		UIDMappings: []IDMap{{0, 1000, 1}},
		GIDMappings: []IDMap{{0, 2000, 1}},
	}
	if err := (Mapper{ProcRoot: root}).WriteMappings(pid, config); err != nil {
		t.Fatalf("WriteMappings: %v", err)
	}

	if got := readProcFile(t, root, pid, "uid_map"); got != "0 1000 1\n" {
		t.Errorf("uid_map = %q", got)
	}
	if got := readProcFile(t, root, pid, "gid_map"); got != "0 2000 1\n" {
		t.Errorf("gid_map = %q", got)
	}
	if got := readProcFile(t, root, pid, "setgroups"); got != "deny" {
		t.Errorf("setgroups = %q, want deny", got)
	}
}

func TestWriteMappingsSetGroupsAllowed(t *testing.T) {
	t.Parallel()

	root, pid := fakeProc(t, "uid_map", "gid_map", "setgroups")
	config := Current()
	config.SetGroups = true
	if err := (Mapper{ProcRoot: root}).WriteMappings(pid, config); err != nil {
		t.Fatalf("WriteMappings: %v", err)
	}
	if got := readProcFile(t, root, pid, "setgroups"); got != "" {
		t.Errorf("setgroups = %q, want untouched", got)
	}
}

func TestWriteMappingsProcessGone(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	err := (Mapper{ProcRoot: root}).WriteMappings(99999, Current())
	if !errors.Is(err, ErrProcessGone) {
		t.Errorf("WriteMappings() = %v, want ErrProcessGone", err)
	}
}

func TestWriteMappingsMissingFile(t *testing.T) {
	t.Parallel()

	// The process directory exists but the mapping file vanished, as
	// happens when the process exits mid-write.
	root, pid := fakeProc(t)
	err := (Mapper{ProcRoot: root}).WriteMappings(pid, Current())
	if !errors.Is(err, ErrProcessGone) {
		t.Errorf("WriteMappings() = %v, want ErrProcessGone", err)
	}
}

func TestWriteMappingsRejectsInvalid(t *testing.T) {
	t.Parallel()

	root, pid := fakeProc(t, "uid_map", "gid_map", "setgroups")
	err := (Mapper{ProcRoot: root}).WriteMappings(pid, Config{})
	if !errors.Is(err, ErrInvalidMapping) {
		t.Fatalf("WriteMappings() = %v, want ErrInvalidMapping", err)
	}
	if got := readProcFile(t, root, pid, "uid_map"); got != "" {
		t.Errorf("uid_map written despite invalid config: %q", got)
	}
}

func TestWriteMappingsHelpers(t *testing.T) {
	t.Parallel()

	root, pid := fakeProc(t)
	logDir := t.TempDir()
	writeHelper := func(name string) string {
		path := filepath.Join(logDir, name)
		script := "#!/bin/sh\necho \"$@\" > " + path + ".args\n"
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
		return path
	}
	mapper := Mapper{
		ProcRoot:  root,
		NewUIDMap: writeHelper("newuidmap"),
		NewGIDMap: writeHelper("newgidmap"),
	}
	config := Config{
		UIDMappings: []IDMap{{0, 1000, 1}, {1, 100000, 65536}},
		GIDMappings: []IDMap{{0, 1000, 1}},
		UseHelpers:  true,
	}
	if err := mapper.WriteMappings(pid, config); err != nil {
		t.Fatalf("WriteMappings: %v", err)
	}

	uidArgs, err := os.ReadFile(mapper.NewUIDMap + ".args")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(uidArgs)), "4242 0 1000 1 1 100000 65536"; got != want {
		t.Errorf("newuidmap args = %q, want %q", got, want)
	}
	gidArgs, err := os.ReadFile(mapper.NewGIDMap + ".args")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(gidArgs)), "4242 0 1000 1"; got != want {
		t.Errorf("newgidmap args = %q, want %q", got, want)
	}
}

func TestWriteMappingsHelperMissing(t *testing.T) {
	t.Parallel()

	root, pid := fakeProc(t)
	mapper := Mapper{ProcRoot: root, NewUIDMap: "kiln-no-such-newuidmap", NewGIDMap: "kiln-no-such-newgidmap"}
	config := Current()
	config.UseHelpers = true
	if err := mapper.WriteMappings(pid, config); !errors.Is(err, ErrPermission) {
		t.Errorf("WriteMappings() = %v, want ErrPermission", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want error
	}{
		{&os.PathError{Op: "open", Path: "x", Err: unix.ENOENT}, ErrProcessGone},
		{&os.PathError{Op: "write", Path: "x", Err: unix.ESRCH}, ErrProcessGone},
		{&os.PathError{Op: "write", Path: "x", Err: unix.EINVAL}, ErrInvalidMapping},
		{&os.PathError{Op: "write", Path: "x", Err: unix.EPERM}, ErrPermission},
		{&os.PathError{Op: "open", Path: "x", Err: unix.EACCES}, ErrPermission},
	}
	for _, test := range tests {
		if got := classify(1, "uid_map", test.err); !errors.Is(got, test.want) {
			t.Errorf("classify(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}
