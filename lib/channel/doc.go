// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the typed, framed message transport that
// connects the processes of the isolation hierarchy.
//
// A channel is one end of a Unix stream socket pair. Before the process
// that will use an end exists, the end is a [Pending] handle: an open
// descriptor that can be inherited by a child process (as an ExtraFiles
// entry) or attached to a message travelling over another, already
// connected channel. Converting a Pending handle with [Pending.Connect]
// yields a [Peer] that sends and receives one Go type each way:
//
//	daemonEnd, zygoteEnd, err := channel.Pair[ZygoteRequest, ZygoteResponse]()
//	peer, err := daemonEnd.Connect(channel.DefaultTimeout)
//	err = peer.Send(request)
//	response, err := peer.Recv()
//
// # Frame format
//
// Every message is one frame:
//
//	[8 bytes payload length, little-endian uint64]
//	[8 bytes XXH64 checksum of the payload, little-endian uint64]
//	[payload: CBOR encoding of the message]
//
// Open descriptors carried by a message (see [Attacher]) travel as
// SCM_RIGHTS ancillary data on the same frame.
//
// # Failure classes
//
// Receive and send failures are distinguishable with errors.Is:
//
//   - [ErrTimeout]: the per-operation deadline elapsed before any byte
//     of the frame moved. The channel remains usable.
//   - [ErrBrokenChannel]: the remote end closed the socket. Callers treat
//     this as a clean end of session.
//   - [ErrCorruptFrame]: length, checksum, descriptor count, or payload
//     decoding failed, or a frame was cut off mid-way. The channel is
//     permanently unusable afterwards; every later operation returns the
//     same error.
package channel
