// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bureau-foundation/kiln/lib/codec"
)

// Peer is a connected channel end that sends S and receives R.
//
// One goroutine may send while another receives. Request/response
// exchanges that must not interleave with other senders need external
// synchronization: the peer serializes individual frames, not
// conversations.
type Peer[S, R any] struct {
	conn    *net.UnixConn
	timeout time.Duration

	sendMutex    sync.Mutex
	receiveMutex sync.Mutex

	failureMutex sync.Mutex
	failure      error
}

// Send encodes message and writes it as one frame, together with any
// descriptors the message carries.
func (p *Peer[S, R]) Send(message S) error {
	if err := p.loadFailure(); err != nil {
		return err
	}

	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", message, err)
	}
	if len(payload) > MaxPayloadLength {
		return fmt.Errorf("encoding %T: payload length %d exceeds maximum %d", message, len(payload), MaxPayloadLength)
	}

	var attachments []*os.File
	if attacher, ok := any(message).(Attacher); ok {
		attachments = attacher.Attachments()
	}
	rights, err := attachmentRights(attachments)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", message, err)
	}

	frame := encodeFrame(payload)

	p.sendMutex.Lock()
	defer p.sendMutex.Unlock()

	if err := p.conn.SetWriteDeadline(p.deadline()); err != nil {
		return p.classify("send", err, false)
	}
	written, _, err := p.conn.WriteMsgUnix(frame, rights, nil)
	if err == nil && written < len(frame) {
		var rest int
		rest, err = p.conn.Write(frame[written:])
		written += rest
	}
	runtime.KeepAlive(attachments)
	if err != nil {
		return p.classify("send", err, written > 0)
	}
	return nil
}

// Recv blocks until one frame arrives or the deadline elapses, then
// verifies and decodes it.
func (p *Peer[S, R]) Recv() (R, error) {
	var message R
	if err := p.loadFailure(); err != nil {
		return message, err
	}

	p.receiveMutex.Lock()
	defer p.receiveMutex.Unlock()

	if err := p.conn.SetReadDeadline(p.deadline()); err != nil {
		return message, p.classify("receive", err, false)
	}

	payload, files, err := p.readFrame()
	if err != nil {
		closeFiles(files)
		return message, err
	}

	if err := codec.Unmarshal(payload, &message); err != nil {
		closeFiles(files)
		return message, p.fail(fmt.Errorf("%w: decoding %T: %v", ErrCorruptFrame, message, err))
	}

	if attachable, ok := any(&message).(Attachable); ok {
		if err := attachable.Attach(files); err != nil {
			closeFiles(files)
			return message, p.fail(fmt.Errorf("%w: attaching descriptors to %T: %v", ErrCorruptFrame, message, err))
		}
	} else if len(files) > 0 {
		closeFiles(files)
		return message, p.fail(fmt.Errorf("%w: %T does not accept descriptors, got %d", ErrCorruptFrame, message, len(files)))
	}
	return message, nil
}

// Close closes the underlying socket. The remote end observes
// [ErrBrokenChannel] on its next receive.
func (p *Peer[S, R]) Close() error {
	p.failureMutex.Lock()
	if p.failure == nil {
		p.failure = ErrClosed
	}
	p.failureMutex.Unlock()
	return p.conn.Close()
}

// readFrame reads one frame's header (collecting any descriptors sent
// with it) and payload.
func (p *Peer[S, R]) readFrame() ([]byte, []*os.File, error) {
	var header [HeaderLength]byte
	oob := make([]byte, attachmentBufferLength())
	var files []*os.File
	read := 0
	for read < HeaderLength {
		n, oobn, _, _, err := p.conn.ReadMsgUnix(header[read:], oob)
		if oobn > 0 {
			received, parseErr := parseAttachments(oob[:oobn])
			files = append(files, received...)
			if parseErr != nil {
				return nil, files, p.fail(parseErr)
			}
		}
		read += n
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			return nil, files, p.classify("receive", err, read > 0)
		}
	}

	length, checksum, err := parseHeader(header[:])
	if err != nil {
		return nil, files, p.fail(err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		return nil, files, p.classify("receive", err, true)
	}
	if err := verifyPayload(payload, checksum); err != nil {
		return nil, files, p.fail(err)
	}
	return payload, files, nil
}

func (p *Peer[S, R]) deadline() time.Time {
	if p.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.timeout)
}

// classify maps a socket error onto the channel's failure classes. A
// failure after part of a frame has moved leaves the stream
// desynchronized, so it is recorded as corruption regardless of cause.
func (p *Peer[S, R]) classify(operation string, err error, midFrame bool) error {
	switch {
	case isClosed(err):
		return fmt.Errorf("%s: %w", operation, ErrClosed)
	case midFrame:
		return p.fail(fmt.Errorf("%w: %s interrupted mid-frame: %v", ErrCorruptFrame, operation, err))
	case isTimeout(err):
		return fmt.Errorf("%s: %w", operation, ErrTimeout)
	case isBroken(err):
		return p.fail(fmt.Errorf("%s: %w", operation, ErrBrokenChannel))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}

// fail records a permanent failure and returns it.
func (p *Peer[S, R]) fail(err error) error {
	p.failureMutex.Lock()
	defer p.failureMutex.Unlock()
	if p.failure == nil {
		p.failure = err
	}
	return err
}

func (p *Peer[S, R]) loadFailure() error {
	p.failureMutex.Lock()
	defer p.failureMutex.Unlock()
	return p.failure
}
