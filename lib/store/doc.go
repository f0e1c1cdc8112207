// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements a content-addressed file store.
//
// Artifacts live in a files directory, each named by the hash of its
// contents ([Hash.String]). In-progress writes live in a separate
// scratch directory until [PendingFile.Complete] publishes them.
//
// Every open handle is registered in a [LockTable]: a per-path
// reference count that tells reclamation ([Store.Sweep],
// [Store.Collect]) which files are in use. The count is advisory and
// never serializes readers and writers against each other. Two
// orderings make it sufficient:
//
//   - A reader increments the count for a path before opening it, and
//     a writer registers its scratch path before creating the file.
//   - Reclamation checks the count and removes the file while holding
//     the table shard for that path, so a concurrent reader either
//     registers first and the file is kept, or finds it gone.
//
// Publishing copies the scratch bytes into a uniquely named sibling of
// the final path, syncs it, and renames it into place, so a canonical
// path is either absent or complete.
package store
