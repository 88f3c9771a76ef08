// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package manifest tracks the layout of the tables of an LSM whose levels are
// partitioned by guards.
//
// A Version is an immutable snapshot of the layout: the ordered tables of
// every level together with the guards that partition levels >= 1. A
// VersionEdit describes a delta to a Version. A VersionBuilder accumulates a
// sequence of edits against a base Version and merges them into the next
// Version:
//
//	b := NewVersionBuilder(base, cache, logger)
//	for _, ve := range edits {
//		b.Apply(ve)
//	}
//	next := base.Successor()
//	b.SaveTo(next)
//	b.LoadTableHandlers(ctx, stats, workers, prefetch)
//	b.Close()
//
// Table and guard metadata are shared between versions and reference
// counted. When the last version referencing a table releases it, the
// table's cached reader is returned to the TableCache.
//
// # Ordering
//
// Level 0 tables may overlap and are ordered newest first: by descending
// largest sequence number, then descending smallest sequence number, then
// descending file number. The tables of every other level are ordered by
// smallest key with ties broken by file number, and consecutive tables never
// overlap.
//
// # Guards
//
// Each level has a sentinel guard with an empty key that owns the keys below
// the first real guard. Real guards are either new (not yet populated by a
// compaction) or complete. Guards accumulate from version to version: an edit
// restates the guards it knows about and the builder inserts those the
// target does not hold yet.
//
// # Consistency checks
//
// Builds with the invariants or race tags always verify the ordering of both
// the base and the produced version. Other builds only do so for versions
// created with ForceConsistencyChecks. A violation is reported through
// Logger.Fatalf.
package manifest
