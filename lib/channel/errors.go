// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrTimeout is returned when a send or receive deadline elapses
	// before the operation started transferring a frame.
	ErrTimeout = errors.New("channel: timed out")

	// ErrBrokenChannel is returned when the remote end has closed its
	// side of the socket.
	ErrBrokenChannel = errors.New("channel: broken channel")

	// ErrCorruptFrame is returned when a frame fails validation. The
	// peer that observed it refuses all further traffic.
	ErrCorruptFrame = errors.New("channel: corrupt frame")

	// ErrAlreadyConnected is returned by [Pending.Connect] when the
	// handle has already been converted, closed, or handed off.
	ErrAlreadyConnected = errors.New("channel: pending handle already consumed")

	// ErrClosed is returned by operations on a peer after Close.
	ErrClosed = errors.New("channel: closed")
)

// isTimeout reports whether err is a socket deadline expiry.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isBroken reports whether err means the remote end is gone.
func isBroken(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// isClosed reports whether err is the result of using a locally closed
// connection.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
