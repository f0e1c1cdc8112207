// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/kiln/lib/process"
	"github.com/bureau-foundation/kiln/lib/store"
)

// TestMain lets the test binary serve as the sandbox roles, exactly as
// the kiln binary does.
func TestMain(m *testing.M) {
	process.Init()
	os.Exit(m.Run())
}

// writeConfig writes a kiln.yaml rooted in a temporary directory and
// returns its path and the root.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "kiln.yaml")
	content := "paths:\n" +
		"  root: " + root + "\n" +
		"  store: " + filepath.Join(root, "store") + "\n" +
		"logging:\n" +
		"  format: text\n" +
		"  level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, root
}

// execute runs the command tree with args and returns standard output.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	var stdout, logs bytes.Buffer
	root := newRootCommand(&logs)
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&logs)
	if stdin != nil {
		root.SetIn(stdin)
	}
	err := root.ExecuteContext(context.Background())
	if logs.Len() > 0 {
		t.Logf("command output:\n%s", logs.String())
	}
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	output, err := execute(t, nil, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, "kiln ") {
		t.Errorf("version output = %q", output)
	}
}

func TestStorePutCat(t *testing.T) {
	configPath, _ := writeConfig(t)
	content := "linked binary\n"

	output, err := execute(t, strings.NewReader(content), "--config", configPath, "store", "put")
	if err != nil {
		t.Fatalf("store put: %v", err)
	}
	hash, err := store.ParseHash(strings.TrimSpace(output))
	if err != nil {
		t.Fatalf("store put printed %q: %v", output, err)
	}
	if hash.Algorithm != store.Blake3 {
		t.Errorf("default algorithm = %s, want blake3", hash.Algorithm)
	}

	output, err = execute(t, nil, "--config", configPath, "store", "cat", hash.String())
	if err != nil {
		t.Fatalf("store cat: %v", err)
	}
	if output != content {
		t.Errorf("store cat = %q, want %q", output, content)
	}

	// A file argument stores the same content under the same hash.
	file := filepath.Join(t.TempDir(), "input")
	os.WriteFile(file, []byte(content), 0o644)
	output, err = execute(t, nil, "--config", configPath, "store", "put", file)
	if err != nil {
		t.Fatalf("store put file: %v", err)
	}
	if strings.TrimSpace(output) != hash.String() {
		t.Errorf("file put hash = %q, want %s", output, hash)
	}
}

func TestStoreCatMissing(t *testing.T) {
	configPath, _ := writeConfig(t)
	hash, _ := store.Sum(store.Blake3, []byte("absent"))
	if _, err := execute(t, nil, "--config", configPath, "store", "cat", hash.String()); err == nil {
		t.Error("store cat of a missing hash succeeded")
	}
	if _, err := execute(t, nil, "--config", configPath, "store", "cat", "not-a-hash"); err == nil {
		t.Error("store cat of a malformed hash succeeded")
	}
}

func TestStoreSweepAndCollect(t *testing.T) {
	configPath, root := writeConfig(t)

	output, err := execute(t, strings.NewReader("keep me"), "--config", configPath, "store", "put")
	if err != nil {
		t.Fatal(err)
	}
	kept := strings.TrimSpace(output)
	output, err = execute(t, strings.NewReader("drop me"), "--config", configPath, "store", "put")
	if err != nil {
		t.Fatal(err)
	}
	dropped := strings.TrimSpace(output)

	scratch := filepath.Join(root, "tmp", "scratch-abandoned")
	if err := os.WriteFile(scratch, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err = execute(t, nil, "--config", configPath, "store", "sweep", "--min-age", "0s")
	if err != nil {
		t.Fatalf("store sweep: %v", err)
	}
	if !strings.HasPrefix(output, "removed 1 files") {
		t.Errorf("sweep output = %q", output)
	}
	if _, err := os.Stat(scratch); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch file survived sweep: %v", err)
	}

	output, err = execute(t, nil, "--config", configPath, "store", "collect", "--keep", kept)
	if err != nil {
		t.Fatalf("store collect: %v", err)
	}
	if !strings.HasPrefix(output, "removed 1 files") {
		t.Errorf("collect output = %q", output)
	}
	if _, err := execute(t, nil, "--config", configPath, "store", "cat", kept); err != nil {
		t.Errorf("kept artifact collected: %v", err)
	}
	if _, err := execute(t, nil, "--config", configPath, "store", "cat", dropped); err == nil {
		t.Error("unkept artifact survived collect")
	}
}

func TestInvalidConfiguration(t *testing.T) {
	configPath, _ := writeConfig(t)
	_, err := execute(t, nil, "--config", configPath, "--log-level", "loud", "store", "sweep")
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("expected logging.level error, got %v", err)
	}

	_, err = execute(t, nil, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "store", "sweep")
	if err == nil {
		t.Error("missing config file accepted")
	}
}

func TestRunRequiresSpec(t *testing.T) {
	_, err := execute(t, nil, "run", "--", "true")
	if err == nil || !strings.Contains(err.Error(), "spec") {
		t.Errorf("expected missing --spec error, got %v", err)
	}
}

func TestRunDaemonSweepsAndServesMetrics(t *testing.T) {
	root := t.TempDir()
	contentStore, err := store.New(store.Layout{
		FilesDir: filepath.Join(root, "files"),
		TempDir:  filepath.Join(root, "tmp"),
	}, store.Blake3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(root, "tmp", "scratch-abandoned")
	if err := os.WriteFile(scratch, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	address := freeAddress(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, contentStore, address, 10*time.Millisecond, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, statErr := os.Stat(scratch)
		response, getErr := http.Get("http://" + address + "/metrics")
		var body []byte
		if getErr == nil {
			body, _ = io.ReadAll(response.Body)
			response.Body.Close()
		}
		if errors.Is(statErr, os.ErrNotExist) && bytes.Contains(body, []byte("kiln_store_removed_files_total")) {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("daemon did not sweep and serve metrics: stat=%v get=%v", statErr, getErr)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runDaemon: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runDaemon did not return after cancel")
	}
}

func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()
	return address
}
