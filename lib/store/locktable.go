// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/bureau-foundation/kiln/lib/logging"
)

// lockShards spreads paths over independently locked maps so unrelated
// paths do not contend.
const lockShards = 64

// LockTable counts holders per absolute path. A path has an entry
// exactly while its count is positive.
type LockTable struct {
	shards [lockShards]lockShard
	logger *slog.Logger
}

type lockShard struct {
	mutex  sync.Mutex
	counts map[string]int
}

// NewLockTable returns an empty table. A nil logger uses slog.Default().
func NewLockTable(logger *slog.Logger) *LockTable {
	logger = logging.Ensure(logger)
	table := &LockTable{logger: logger}
	for i := range table.shards {
		table.shards[i].counts = make(map[string]int)
	}
	return table
}

func (t *LockTable) shard(path string) *lockShard {
	return &t.shards[xxhash.Sum64String(path)%lockShards]
}

// Acquire increments the count for path.
func (t *LockTable) Acquire(path string) {
	shard := t.shard(path)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	shard.counts[path]++
	if shard.counts[path] == 1 {
		lockedPaths.Inc()
	}
}

// Release decrements the count for path, removing the entry at zero.
// Releasing a path with no entry is an accounting bug elsewhere; it is
// logged and otherwise ignored.
func (t *LockTable) Release(path string) {
	shard := t.shard(path)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	count, exists := shard.counts[path]
	if !exists {
		excessLockFrees.Inc()
		t.logger.Warn("excess lock free", "path", path)
		return
	}
	if count <= 1 {
		delete(shard.counts, path)
		lockedPaths.Dec()
		return
	}
	shard.counts[path] = count - 1
}

// Count returns the number of holders of path.
func (t *LockTable) Count(path string) int {
	shard := t.shard(path)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	return shard.counts[path]
}

// Len returns the number of paths with at least one holder.
func (t *LockTable) Len() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mutex.Lock()
		total += len(shard.counts)
		shard.mutex.Unlock()
	}
	return total
}

// Snapshot copies the table. Shards are copied one at a time, so the
// result is not a single atomic view.
func (t *LockTable) Snapshot() map[string]int {
	snapshot := make(map[string]int)
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mutex.Lock()
		for path, count := range shard.counts {
			snapshot[path] = count
		}
		shard.mutex.Unlock()
	}
	return snapshot
}

// removeIfUnlocked calls remove while holding path's shard, but only if
// path has no holders. It reports whether remove ran.
func (t *LockTable) removeIfUnlocked(path string, remove func() error) (bool, error) {
	shard := t.shard(path)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	if shard.counts[path] > 0 {
		return false, nil
	}
	return true, remove()
}
