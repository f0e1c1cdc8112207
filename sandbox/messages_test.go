// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/userns"
)

func TestSpawnRequestCarriesSandboxPeer(t *testing.T) {
	daemonEnd, zygoteEnd, err := channel.Pair[ZygoteRequest, ZygoteResponse]()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	daemon, err := daemonEnd.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer daemon.Close()
	zygote, err := zygoteEnd.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer zygote.Close()

	callerEnd, sandboxEnd, err := channel.Pair[SandboxRequest, SandboxResponse]()
	if err != nil {
		t.Fatal(err)
	}
	defer callerEnd.Close()

	err = daemon.Send(ZygoteRequest{
		Kind: RequestSpawn,
		Spawn: &SpawnRequest{
			UserNamespace: userns.Current(),
			SpecPath:      "/specs/carried.yaml",
			SandboxPeer:   sandboxEnd,
		},
	})
	sandboxEnd.Close()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := zygote.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if received.Spawn == nil || received.Spawn.SandboxPeer == nil {
		t.Fatalf("received request lost its sandbox peer: %+v", received)
	}
	if received.Spawn.SpecPath != "/specs/carried.yaml" {
		t.Errorf("SpecPath = %q", received.Spawn.SpecPath)
	}
	if received.Spawn.UserNamespace.UIDMappings[0] != userns.Current().UIDMappings[0] {
		t.Errorf("user namespace config not carried: %+v", received.Spawn.UserNamespace)
	}

	// The carried end talks to the caller's end.
	sandboxPeer, err := received.Spawn.SandboxPeer.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer sandboxPeer.Close()
	caller, err := callerEnd.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()
	if err := sandboxPeer.Send(SandboxResponse{Kind: Ready, SpecPath: "/specs/carried.yaml"}); err != nil {
		t.Fatalf("Send over carried end: %v", err)
	}
	ready, err := caller.Recv()
	if err != nil || ready.Kind != Ready {
		t.Errorf("caller received %+v, %v", ready, err)
	}
}

func TestZygoteRequestAttachCount(t *testing.T) {
	file, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	withoutSpawn := &ZygoteRequest{Kind: RequestSpawn}
	if err := withoutSpawn.Attach([]*os.File{file}); err == nil {
		t.Error("request without spawn accepted a descriptor")
	}

	withSpawn := &ZygoteRequest{Kind: RequestSpawn, Spawn: &SpawnRequest{}}
	if err := withSpawn.Attach(nil); err == nil {
		t.Error("spawn request accepted zero descriptors")
	}
	if (ZygoteRequest{Kind: RequestSpawn, Spawn: &SpawnRequest{}}).Attachments() != nil {
		t.Error("spawn request without a peer reported attachments")
	}
}

func TestSpawnRequestWithoutPeerIsCorrupt(t *testing.T) {
	// A spawn body arriving without its descriptor cannot be served.
	daemonEnd, zygoteEnd, err := channel.Pair[ZygoteRequest, ZygoteResponse]()
	if err != nil {
		t.Fatal(err)
	}
	daemon, err := daemonEnd.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer daemon.Close()
	zygote, err := zygoteEnd.Connect(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer zygote.Close()

	if err := daemon.Send(ZygoteRequest{Kind: RequestSpawn, Spawn: &SpawnRequest{SpecPath: "/x"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := zygote.Recv(); !errors.Is(err, channel.ErrCorruptFrame) {
		t.Errorf("Recv = %v, want ErrCorruptFrame", err)
	}
}
