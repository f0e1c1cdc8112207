// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MaxAttachments bounds the number of descriptors a single frame may
// carry.
const MaxAttachments = 8

// Attacher is implemented by message types that carry open
// descriptors, most commonly a [Pending] handle for a channel that the
// receiver will take over. The descriptors are sent as SCM_RIGHTS on
// the same frame as the encoded message, in the order returned. The
// fields holding them must be tagged `cbor:"-"`.
//
// Sending duplicates the descriptors into the receiving process; the
// sender keeps its own copies and closes them when done.
type Attacher interface {
	Attachments() []*os.File
}

// Attachable is implemented by pointer receivers of message types that
// accept descriptors on receive. Attach is called after the payload has
// been decoded, with the descriptors in send order. Returning an error
// marks the frame corrupt; the receive path closes every descriptor
// that Attach did not keep.
type Attachable interface {
	Attach(files []*os.File) error
}

// attachmentRights builds the SCM_RIGHTS control message for files.
func attachmentRights(files []*os.File) ([]byte, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > MaxAttachments {
		return nil, fmt.Errorf("%d attachments exceeds maximum %d", len(files), MaxAttachments)
	}
	fds := make([]int, len(files))
	for i, file := range files {
		if file == nil {
			return nil, fmt.Errorf("attachment %d is nil", i)
		}
		fds[i] = int(file.Fd())
	}
	return unix.UnixRights(fds...), nil
}

// attachmentBufferLength is the control buffer size needed to receive
// MaxAttachments descriptors.
func attachmentBufferLength() int {
	return unix.CmsgSpace(MaxAttachments * 4)
}

// parseAttachments extracts descriptors from a received control
// message. Every descriptor found is returned as an *os.File, even
// when a later control message fails to parse, so the caller can close
// them.
func parseAttachments(oob []byte) ([]*os.File, error) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing control message: %v", ErrCorruptFrame, err)
	}
	var files []*os.File
	var parseErr error
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			parseErr = fmt.Errorf("%w: parsing descriptor rights: %v", ErrCorruptFrame, err)
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "channel-attachment"))
		}
	}
	return files, parseErr
}

func closeFiles(files []*os.File) {
	for _, file := range files {
		if file != nil {
			file.Close()
		}
	}
}
