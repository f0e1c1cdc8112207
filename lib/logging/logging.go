// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging constructs the slog loggers used by the kiln daemon,
// its re-executed children, and the CLI.
//
// Libraries never build their own loggers; they accept a *slog.Logger
// and fall back to slog.Default() when given nil.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Format selects the slog handler.
type Format string

const (
	// FormatText renders key=value records for humans.
	FormatText Format = "text"
	// FormatJSON renders one JSON object per record, matching the
	// daemon's telemetry ingestion.
	FormatJSON Format = "json"
	// FormatAuto uses text when the writer is a terminal and JSON
	// otherwise.
	FormatAuto Format = "auto"
)

// New constructs a logger writing to w. Level names are those accepted
// by slog.Level.UnmarshalText ("debug", "info", "warn", "error").
func New(format Format, level string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		return nil, fmt.Errorf("logging: writer must not be nil")
	}
	var parsed slog.Level
	if level != "" {
		if err := parsed.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	options := &slog.HandlerOptions{Level: parsed}

	if format == FormatAuto {
		format = FormatJSON
		if isTerminal(w) {
			format = FormatText
		}
	}

	switch format {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, options)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
