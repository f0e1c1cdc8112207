// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// HeaderLength is the fixed size of a frame header: 8 bytes payload
// length followed by 8 bytes checksum.
const HeaderLength = 16

// MaxPayloadLength bounds a single frame's payload. Isolation
// hierarchy messages are a few hundred bytes; the limit exists so that
// a corrupt length field cannot trigger a huge allocation.
const MaxPayloadLength = 16 * 1024 * 1024

// encodeFrame returns header and payload as one contiguous buffer so
// that the frame, and any descriptors attached to it, go out in a
// single sendmsg call.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderLength+len(payload))
	binary.LittleEndian.PutUint64(frame[0:8], uint64(len(payload)))
	binary.LittleEndian.PutUint64(frame[8:16], xxhash.Sum64(payload))
	copy(frame[HeaderLength:], payload)
	return frame
}

// parseHeader validates the length field and returns the payload
// length and expected checksum.
func parseHeader(header []byte) (uint64, uint64, error) {
	length := binary.LittleEndian.Uint64(header[0:8])
	checksum := binary.LittleEndian.Uint64(header[8:16])
	if length > MaxPayloadLength {
		return 0, 0, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrCorruptFrame, length, MaxPayloadLength)
	}
	return length, checksum, nil
}

// verifyPayload checks a payload against the checksum from its header.
func verifyPayload(payload []byte, checksum uint64) error {
	if computed := xxhash.Sum64(payload); computed != checksum {
		return fmt.Errorf("%w: checksum mismatch (header %016x, payload %016x)", ErrCorruptFrame, checksum, computed)
	}
	return nil
}

// WriteFrame writes payload to w as a single frame. It is used
// directly for one-shot transfers over plain pipes (the supervisor
// bootstrap record); peers use the same layout.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(payload), MaxPayloadLength)
	}
	if _, err := w.Write(encodeFrame(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and returns its verified payload.
// A clean end of stream before the first header byte returns
// [ErrBrokenChannel]; a stream that ends mid-frame returns
// [ErrCorruptFrame].
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrBrokenChannel
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrCorruptFrame)
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length, checksum, err := parseHeader(header[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", ErrCorruptFrame)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	if err := verifyPayload(payload, checksum); err != nil {
		return nil, err
	}
	return payload, nil
}
