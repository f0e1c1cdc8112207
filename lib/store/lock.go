// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"io"
	"os"
	"sync"
)

// Lock is a read handle on a store file that holds one count in the
// lock table for its path until closed.
type Lock struct {
	file  *os.File
	path  string
	table *LockTable

	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadSeekCloser = (*Lock)(nil)

func newLock(file *os.File, path string, table *LockTable) *Lock {
	return &Lock{file: file, path: path, table: table}
}

// Path returns the absolute path the lock is registered under.
func (l *Lock) Path() string {
	return l.path
}

// File returns the underlying file. It stays owned by the lock.
func (l *Lock) File() *os.File {
	return l.file
}

func (l *Lock) Read(p []byte) (int, error) {
	return l.file.Read(p)
}

func (l *Lock) ReadAt(p []byte, offset int64) (int, error) {
	return l.file.ReadAt(p, offset)
}

func (l *Lock) Seek(offset int64, whence int) (int64, error) {
	return l.file.Seek(offset, whence)
}

// Size returns the file's length.
func (l *Lock) Size() (int64, error) {
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes the file and releases the lock. Later calls return the
// first call's result.
func (l *Lock) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.file.Close()
		l.table.Release(l.path)
	})
	return l.closeErr
}
