// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"github.com/bureau-foundation/kiln/lib/logging"
	"github.com/bureau-foundation/kiln/sandbox"
)

// ErrNoController is returned by [Store.WithController] when the store
// was created without a sandbox controller.
var ErrNoController = errors.New("store: no sandbox controller")

// scratchPrefix names files created by [Store.Create].
const scratchPrefix = "scratch-"

// createAttempts bounds retries when a scratch name is already taken.
const createAttempts = 8

// Layout locates the store's directories.
type Layout struct {
	// FilesDir holds published artifacts named by hash.
	FilesDir string

	// TempDir holds scratch files for in-progress writes.
	TempDir string
}

// Store is a content-addressed file store. It is safe for concurrent
// use.
type Store struct {
	layout    Layout
	algorithm Algorithm
	locks     *LockTable
	logger    *slog.Logger

	controllerMutex sync.Mutex
	controller      *sandbox.Controller
}

// New creates the layout's directories if needed and returns a store
// hashing with algorithm. controller may be nil for stores that never
// spawn sandboxes; a nil logger uses slog.Default().
func New(layout Layout, algorithm Algorithm, controller *sandbox.Controller, logger *slog.Logger) (*Store, error) {
	logger = logging.Ensure(logger)
	if _, err := algorithm.New(); err != nil {
		return nil, err
	}
	for _, dir := range []string{layout.FilesDir, layout.TempDir} {
		if dir == "" {
			return nil, fmt.Errorf("store layout has an empty directory: %+v", layout)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	filesDir, err := filepath.Abs(layout.FilesDir)
	if err != nil {
		return nil, err
	}
	tempDir, err := filepath.Abs(layout.TempDir)
	if err != nil {
		return nil, err
	}
	return &Store{
		layout:     Layout{FilesDir: filesDir, TempDir: tempDir},
		algorithm:  algorithm,
		locks:      NewLockTable(logger),
		logger:     logger,
		controller: controller,
	}, nil
}

// Algorithm returns the store's hash algorithm.
func (s *Store) Algorithm() Algorithm {
	return s.algorithm
}

// Layout returns the store's absolute directories.
func (s *Store) Layout() Layout {
	return s.layout
}

// Locks exposes the lock table to reclamation code and diagnostics.
func (s *Store) Locks() *LockTable {
	return s.locks
}

// Path returns the canonical path for hash.
func (s *Store) Path(hash Hash) string {
	return filepath.Join(s.layout.FilesDir, hash.String())
}

// Open returns a read handle on the artifact named by hash. The path is
// locked before the file is opened, and unlocked again if opening
// fails.
func (s *Store) Open(hash Hash) (*Lock, error) {
	path := s.Path(hash)
	s.locks.Acquire(path)
	file, err := os.Open(path)
	if err != nil {
		s.locks.Release(path)
		return nil, fmt.Errorf("opening %s: %w", hash, err)
	}
	return newLock(file, path, s.locks), nil
}

// Create starts a write. The scratch path is registered in the lock
// table before the file is created.
func (s *Store) Create() (*PendingFile, error) {
	for range createAttempts {
		path := filepath.Join(s.layout.TempDir, scratchPrefix+ulid.Make().String())
		s.locks.Acquire(path)
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &PendingFile{store: s, file: file, path: path}, nil
		}
		s.locks.Release(path)
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("creating scratch file: %w", err)
		}
	}
	return nil, fmt.Errorf("creating scratch file: %d name collisions in %s", createAttempts, s.layout.TempDir)
}

// Ingest writes everything from r into the store and returns its hash
// and a read handle on the published artifact.
func (s *Store) Ingest(r io.Reader) (Hash, *Lock, error) {
	hasher, err := s.algorithm.New()
	if err != nil {
		return Hash{}, nil, err
	}
	pending, err := s.Create()
	if err != nil {
		return Hash{}, nil, err
	}
	if _, err := io.Copy(io.MultiWriter(pending, hasher), r); err != nil {
		pending.Discard()
		return Hash{}, nil, fmt.Errorf("writing scratch file: %w", err)
	}
	hash := fromHasher(s.algorithm, hasher)
	lock, err := pending.Complete(hash)
	if err != nil {
		return Hash{}, nil, err
	}
	return hash, lock, nil
}

// WithController runs fn with exclusive access to the sandbox
// controller.
func (s *Store) WithController(fn func(*sandbox.Controller) error) error {
	s.controllerMutex.Lock()
	defer s.controllerMutex.Unlock()
	if s.controller == nil {
		return ErrNoController
	}
	return fn(s.controller)
}

// ReclaimResult summarizes one Sweep or Collect pass.
type ReclaimResult struct {
	Removed int
	Bytes   int64

	// Locked counts candidates skipped because a handle held them.
	Locked int
}

// Sweep removes unlocked scratch files, and abandoned publish copies,
// last modified at least minAge ago.
func (s *Store) Sweep(minAge time.Duration) (ReclaimResult, error) {
	cutoff := time.Now().Add(-minAge)
	var result ReclaimResult

	scratchErr := s.reclaim(s.layout.TempDir, removedScratch, &result, func(entry fs.DirEntry, info fs.FileInfo) bool {
		return info.ModTime().Before(cutoff) || minAge <= 0
	})
	publishErr := s.reclaim(s.layout.FilesDir, removedScratch, &result, func(entry fs.DirEntry, info fs.FileInfo) bool {
		return strings.HasPrefix(entry.Name(), publishPrefix) && (info.ModTime().Before(cutoff) || minAge <= 0)
	})

	s.logger.Info("store sweep finished",
		"removed", result.Removed,
		"reclaimed", humanize.IBytes(uint64(result.Bytes)),
		"locked", result.Locked,
	)
	return result, multierr.Combine(scratchErr, publishErr)
}

// Collect removes every unlocked artifact for which keep returns
// false. Files whose names are not hashes are left alone.
func (s *Store) Collect(keep func(Hash) bool) (ReclaimResult, error) {
	var result ReclaimResult
	err := s.reclaim(s.layout.FilesDir, removedArtifact, &result, func(entry fs.DirEntry, _ fs.FileInfo) bool {
		hash, err := ParseHash(entry.Name())
		if err != nil {
			return false
		}
		return !keep(hash)
	})
	s.logger.Info("store collect finished",
		"removed", result.Removed,
		"reclaimed", humanize.IBytes(uint64(result.Bytes)),
		"locked", result.Locked,
	)
	return result, err
}

// reclaim removes the regular files in dir selected by candidate,
// each under its lock-table shard.
func (s *Store) reclaim(dir, kind string, result *ReclaimResult, candidate func(fs.DirEntry, fs.FileInfo) bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	var errs error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !candidate(entry, info) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		vanished := false
		removed, err := s.locks.removeIfUnlocked(path, func() error {
			err := os.Remove(path)
			if errors.Is(err, fs.ErrNotExist) {
				vanished = true
				return nil
			}
			return err
		})
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("removing %s: %w", path, err))
		case vanished:
			// Someone else removed it first; nothing was reclaimed here.
		case !removed:
			result.Locked++
		default:
			result.Removed++
			result.Bytes += info.Size()
			removedTotal.WithLabelValues(kind).Inc()
			removedBytes.Add(float64(info.Size()))
			s.logger.Debug("removed store file", "path", path, "size", humanize.IBytes(uint64(info.Size())))
		}
	}
	return errs
}
