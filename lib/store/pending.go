// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
)

var (
	// ErrHashMismatch is returned by [PendingFile.Complete] when the
	// written bytes do not hash to the claimed value.
	ErrHashMismatch = errors.New("store: content does not match hash")

	// ErrFinished is returned by operations on a pending file that has
	// already been completed, discarded, or closed.
	ErrFinished = errors.New("store: pending file already finished")
)

// publishPrefix marks in-flight publish copies in the files directory.
// Collect never treats them as artifacts.
const publishPrefix = ".publish-"

// PendingFile is a scratch file being written. It is registered in the
// lock table from before its creation until it is finished by exactly
// one of Complete, Discard, or Close.
type PendingFile struct {
	store *Store
	file  *os.File
	path  string

	finished bool
}

var _ io.WriteCloser = (*PendingFile)(nil)

// Path returns the scratch file's path.
func (p *PendingFile) Path() string {
	return p.path
}

func (p *PendingFile) Write(data []byte) (int, error) {
	if p.finished {
		return 0, ErrFinished
	}
	return p.file.Write(data)
}

// Complete publishes the written bytes under hash and returns a read
// handle on the published file. The scratch file is removed and its
// lock released whether or not publishing succeeds; on failure the
// destination lock is released as well.
func (p *PendingFile) Complete(hash Hash) (*Lock, error) {
	if p.finished {
		return nil, ErrFinished
	}
	p.finished = true

	destination := p.store.Path(hash)
	locks := p.store.locks
	locks.Acquire(destination)

	outcome, publishErr := p.publish(hash, destination)
	// The scratch file is transient: disposal happens regardless, and
	// only after the copy has finished with it.
	if disposeErr := p.dispose(true); disposeErr != nil {
		p.store.logger.Warn("removing scratch file", "path", p.path, "error", disposeErr)
	}
	if publishErr != nil {
		locks.Release(destination)
		writesTotal.WithLabelValues(writeFailed).Inc()
		return nil, fmt.Errorf("publishing %s: %w", hash, publishErr)
	}

	file, err := os.Open(destination)
	if err != nil {
		locks.Release(destination)
		writesTotal.WithLabelValues(writeFailed).Inc()
		return nil, fmt.Errorf("opening published %s: %w", hash, err)
	}
	writesTotal.WithLabelValues(outcome).Inc()
	return newLock(file, destination, locks), nil
}

// publish verifies the scratch content against hash and, unless the
// destination already exists, copies it into place atomically.
func (p *PendingFile) publish(hash Hash, destination string) (string, error) {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	hasher, err := hash.Algorithm.New()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(destination); err == nil {
		if _, err := io.Copy(hasher, p.file); err != nil {
			return "", fmt.Errorf("reading scratch file: %w", err)
		}
		if fromHasher(hash.Algorithm, hasher) != hash {
			return "", ErrHashMismatch
		}
		return writeDeduplicated, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	sibling := filepath.Join(filepath.Dir(destination), publishPrefix+ulid.Make().String())
	p.store.locks.Acquire(sibling)
	defer p.store.locks.Release(sibling)
	copyFile, err := os.OpenFile(sibling, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return "", fmt.Errorf("creating publish copy: %w", err)
	}
	_, copyErr := io.Copy(io.MultiWriter(copyFile, hasher), p.file)
	if copyErr == nil {
		copyErr = copyFile.Sync()
	}
	copyErr = multierr.Append(copyErr, copyFile.Close())
	if copyErr == nil && fromHasher(hash.Algorithm, hasher) != hash {
		copyErr = ErrHashMismatch
	}
	if copyErr == nil {
		copyErr = os.Rename(sibling, destination)
	}
	if copyErr != nil {
		os.Remove(sibling)
		return "", copyErr
	}
	return writePublished, nil
}

// Discard removes the scratch file and releases its lock.
func (p *PendingFile) Discard() error {
	if p.finished {
		return ErrFinished
	}
	p.finished = true
	return p.dispose(true)
}

// Close releases the lock but leaves the scratch file for a later
// [Store.Sweep]. Closing a finished pending file is a no-op.
func (p *PendingFile) Close() error {
	if p.finished {
		return nil
	}
	p.finished = true
	return p.dispose(false)
}

func (p *PendingFile) dispose(remove bool) error {
	err := p.file.Close()
	if remove {
		if removeErr := os.Remove(p.path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			err = multierr.Append(err, removeErr)
		}
	}
	p.store.locks.Release(p.path)
	return err
}
