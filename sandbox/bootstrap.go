// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/kiln/lib/channel"
	"github.com/bureau-foundation/kiln/lib/codec"
	"github.com/bureau-foundation/kiln/lib/config"
	"github.com/bureau-foundation/kiln/lib/logging"
)

// bootstrapLimit keeps the bootstrap frame within the default pipe
// capacity, so it can be written before the reader exists.
const bootstrapLimit = 64*1024 - channel.HeaderLength

// bootstrap is the single frame a re-executed zygote or supervisor
// reads from its bootstrap pipe before touching any channel.
type bootstrap struct {
	Settings config.Config `cbor:"settings"`
	SpecPath string        `cbor:"spec_path,omitempty"`
}

// writeBootstrap encodes value into a fresh pipe and returns the read
// end, ready to be passed in ExtraFiles. The caller closes it after
// the child has started.
func writeBootstrap(value bootstrap) (*os.File, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding bootstrap: %w", err)
	}
	if len(payload) > bootstrapLimit {
		return nil, fmt.Errorf("bootstrap payload is %d bytes, limit %d", len(payload), bootstrapLimit)
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating bootstrap pipe: %w", err)
	}
	writeErr := channel.WriteFrame(writer, payload)
	closeErr := writer.Close()
	if writeErr != nil || closeErr != nil {
		reader.Close()
		if writeErr == nil {
			writeErr = closeErr
		}
		return nil, fmt.Errorf("writing bootstrap: %w", writeErr)
	}
	return reader, nil
}

// readBootstrap reads and closes the bootstrap pipe.
func readBootstrap(file *os.File) (bootstrap, error) {
	defer file.Close()
	var value bootstrap
	payload, err := channel.ReadFrame(file)
	if err != nil {
		return value, fmt.Errorf("reading bootstrap: %w", err)
	}
	if err := codec.Unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("decoding bootstrap: %w", err)
	}
	return value, nil
}

// entryLogger builds the logger for a re-executed role from the
// daemon's logging settings. Children share the daemon's stderr.
func entryLogger(settings config.Config, role string) *slog.Logger {
	logger, err := logging.New(logging.Format(settings.Logging.Format), settings.Logging.Level, os.Stderr)
	if err != nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		logger.Warn("invalid logging settings, using defaults", "error", err)
	}
	return logger.With("role", role, "pid", os.Getpid())
}
