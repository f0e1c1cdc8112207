// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout is the per-operation deadline used by the isolation
// hierarchy's channels.
const DefaultTimeout = 2 * time.Second

// Pending is one end of a channel that has not been connected yet. It
// owns an open socket descriptor and can be inherited by a child
// process or attached to a message on another channel. S is the type
// the holder of this end sends; R is the type it receives.
//
// A Pending handle is consumed exactly once: by [Pending.Connect], by
// [Pending.Close], or by [Pending.Detach] when its descriptor is handed
// to another owner.
type Pending[S, R any] struct {
	file atomic.Pointer[os.File]
}

// Pair creates a connected socket pair and returns both ends as
// pending handles. The first end sends S and receives R; the second
// end is its mirror image.
func Pair[S, R any]() (*Pending[S, R], *Pending[R, S], error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socket pair: %w", err)
	}
	local := NewPending[S, R](os.NewFile(uintptr(fds[0]), "channel-local"))
	remote := NewPending[R, S](os.NewFile(uintptr(fds[1]), "channel-remote"))
	return local, remote, nil
}

// NewPending wraps an open socket descriptor, typically one inherited
// from a parent process via ExtraFiles or received as a message
// attachment.
func NewPending[S, R any](file *os.File) *Pending[S, R] {
	pending := &Pending[S, R]{}
	pending.file.Store(file)
	return pending
}

// File returns the underlying descriptor without consuming the handle,
// or nil if the handle has been consumed. Use it to pass the
// descriptor to exec.Cmd.ExtraFiles; the caller still closes the
// handle after the child has started.
func (p *Pending[S, R]) File() *os.File {
	if p == nil {
		return nil
	}
	return p.file.Load()
}

// Detach consumes the handle and returns its descriptor. Ownership of
// the descriptor moves to the caller.
func (p *Pending[S, R]) Detach() (*os.File, error) {
	file := p.file.Swap(nil)
	if file == nil {
		return nil, ErrAlreadyConnected
	}
	return file, nil
}

// Connect consumes the handle and returns a connected peer whose
// operations use timeout as their deadline. A timeout of zero blocks
// indefinitely.
func (p *Pending[S, R]) Connect(timeout time.Duration) (*Peer[S, R], error) {
	file, err := p.Detach()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("connecting %s: %w", file.Name(), err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("connecting %s: descriptor is %T, not a unix socket", file.Name(), conn)
	}
	return &Peer[S, R]{conn: unixConn, timeout: timeout}, nil
}

// Close releases the descriptor if the handle has not been consumed.
// Closing a consumed handle is a no-op.
func (p *Pending[S, R]) Close() error {
	if p == nil {
		return nil
	}
	file := p.file.Swap(nil)
	if file == nil {
		return nil
	}
	return file.Close()
}
