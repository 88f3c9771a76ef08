// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"context"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/invariants"
	"github.com/cockroachdb/swiss"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// levelState holds the changes accumulated for one level.
type levelState struct {
	deleted map[base.FileNum]struct{}
	// added holds the files added to the level. Each is an independent copy
	// of the edit's metadata holding one reference owned by the builder.
	added swiss.Map[base.FileNum, *FileMetadata]
}

// VersionBuilder accumulates a sequence of VersionEdits against a base
// version and saves the result into a new version.
//
// A VersionBuilder is not safe for concurrent use: the log-and-apply protocol
// serializes access to it. The builder holds a reference to the base version
// until Close is called.
type VersionBuilder struct {
	base      *Version
	cache     TableCache
	logger    base.Logger
	cmp       *base.Comparer
	numLevels int
	levels    []levelState

	// invalidLevels tracks the files added on levels at or beyond numLevels.
	// A later edit may delete them again; hasInvalidLevels is set when an
	// add or delete on such a level cannot be cancelled out.
	invalidLevels    map[int]map[base.FileNum]struct{}
	hasInvalidLevels bool

	// newGuards and completeGuards hold the guards restated by the most
	// recently applied edit.
	newGuards      []*GuardMetadata
	completeGuards []*GuardMetadata

	closeChecker invariants.CloseChecker
}

// NewVersionBuilder returns a builder that accumulates edits on top of v.
// Files whose last reference the builder drops have their readers released
// to cache. Consistency failures are reported through logger.Fatalf.
func NewVersionBuilder(v *Version, cache TableCache, logger base.Logger) *VersionBuilder {
	b := &VersionBuilder{
		base:          v,
		cache:         cache,
		logger:        logger,
		cmp:           v.Comparer(),
		numLevels:     v.NumLevels(),
		levels:        make([]levelState, v.NumLevels()),
		invalidLevels: make(map[int]map[base.FileNum]struct{}),
	}
	for level := range b.levels {
		b.levels[level].deleted = make(map[base.FileNum]struct{})
		b.levels[level].added.Init(0)
	}
	v.Ref()
	return b
}

// consistencyChecksEnabled returns true if the consistency checks of v must
// run.
func consistencyChecksEnabled(v *Version) bool {
	return invariants.Enabled || v.ForceConsistencyChecks()
}

// CheckConsistency verifies the ordering invariants of every level of v. It
// returns nil without checking anything unless the build has invariants
// enabled or v forces consistency checks.
func (b *VersionBuilder) CheckConsistency(v *Version) error {
	if !consistencyChecksEnabled(v) {
		return nil
	}
	return v.CheckOrdering()
}

// CheckConsistencyForDeletes verifies that the file num deleted from level by
// edit exists: in the base version, added on a higher level in this
// accumulation (a move), or added earlier on the same level. The check is
// gated by the base version's settings.
func (b *VersionBuilder) CheckConsistencyForDeletes(edit *VersionEdit, num base.FileNum, level int) error {
	if !consistencyChecksEnabled(b.base) {
		return nil
	}
	for l := 0; l < b.numLevels; l++ {
		for _, f := range b.base.LevelFiles(l) {
			if f.FD.FileNum() == num {
				return nil
			}
		}
	}
	for l := level + 1; l < b.numLevels; l++ {
		if _, ok := b.levels[l].added.Get(num); ok {
			return nil
		}
	}
	if level < b.numLevels {
		if _, ok := b.levels[level].added.Get(num); ok {
			return nil
		}
	}
	return base.CorruptionErrorf("pebblesdb: deleted file %s on L%d not found (edit:\n%s)",
		errors.Safe(num), errors.Safe(level), edit.DebugString(b.cmp.FormatKey))
}

// CheckConsistencyForNumLevels returns true if every file recorded on a level
// beyond the configured level count has been deleted again and no add or
// delete on such a level was unmatched.
func (b *VersionBuilder) CheckConsistencyForNumLevels() bool {
	if b.hasInvalidLevels {
		return false
	}
	for _, files := range b.invalidLevels {
		if len(files) > 0 {
			return false
		}
	}
	return true
}

// checkConsistencyOrDie escalates a consistency failure of v to the logger.
func (b *VersionBuilder) checkConsistencyOrDie(v *Version) {
	if err := b.CheckConsistency(v); err != nil {
		b.logger.Fatalf("%v", err)
	}
}

// Apply accumulates edit. Deletions are processed before additions. A file
// added and deleted within one accumulation is released immediately and
// never reaches a saved version.
//
// The builder replaces its guard lists with the edit's: every edit restates
// the guards it knows about and SaveTo reconciles them with the target.
func (b *VersionBuilder) Apply(edit *VersionEdit) {
	b.closeChecker.AssertNotClosed()
	b.checkConsistencyOrDie(b.base)

	for _, df := range edit.sortedDeletedFiles() {
		level, num := df.Level, df.FileNum
		if level >= b.numLevels {
			if files := b.invalidLevels[level]; files != nil {
				if _, ok := files[num]; ok {
					delete(files, num)
					continue
				}
			}
			// A delete on an invalid level without a matching add.
			b.hasInvalidLevels = true
			continue
		}
		ls := &b.levels[level]
		ls.deleted[num] = struct{}{}
		if err := b.CheckConsistencyForDeletes(edit, num, level); err != nil {
			b.logger.Fatalf("%v", err)
		}
		if f, ok := ls.added.Get(num); ok {
			f.Unref(b.cache)
			ls.added.Delete(num)
		}
	}

	for _, nf := range edit.NewFiles {
		level, num := nf.Level, nf.Meta.FD.FileNum()
		if level >= b.numLevels {
			files := b.invalidLevels[level]
			if files == nil {
				files = make(map[base.FileNum]struct{})
				b.invalidLevels[level] = files
			}
			if _, ok := files[num]; ok {
				b.hasInvalidLevels = true
				continue
			}
			files[num] = struct{}{}
			continue
		}
		ls := &b.levels[level]
		if _, ok := ls.added.Get(num); ok {
			panic(errors.AssertionFailedf("pebblesdb: file %s added to L%d twice", num, level))
		}
		f := nf.Meta.Clone()
		f.Ref()
		delete(ls.deleted, num)
		ls.added.Put(num, f)
	}

	b.newGuards = b.acceptGuards(edit.NewGuards)
	b.completeGuards = b.acceptGuards(edit.CompleteGuards)
}

// acceptGuards returns the guards of an edit that SaveTo can install. Guards
// on levels beyond the configured level count are dropped.
func (b *VersionBuilder) acceptGuards(guards []*GuardMetadata) []*GuardMetadata {
	res := make([]*GuardMetadata, 0, len(guards))
	for _, g := range guards {
		if g.Level < 1 {
			panic(errors.AssertionFailedf("pebblesdb: guard %s on L%d", g, g.Level))
		}
		if g.Level >= b.numLevels {
			b.logger.Infof("dropping guard %s: the version has %d levels", g, b.numLevels)
			continue
		}
		res = append(res, g)
	}
	return res
}

// SaveTo merges the base version with the accumulated changes and writes the
// result into v, which must be empty apart from its inherited guards. Both
// versions are checked for consistency before the merge and v again after
// it.
func (b *VersionBuilder) SaveTo(v *Version) {
	b.closeChecker.AssertNotClosed()
	if v.NumLevels() != b.numLevels {
		panic(errors.AssertionFailedf("pebblesdb: saving a %d-level builder into a %d-level version",
			b.numLevels, v.NumLevels()))
	}
	b.checkConsistencyOrDie(b.base)
	b.checkConsistencyOrDie(v)

	// AddNewGuard and AddCompleteGuard ignore a guard whose key the level
	// already holds, so every guard is evaluated independently.
	for _, g := range b.newGuards {
		v.AddNewGuard(g)
	}
	for _, g := range b.completeGuards {
		v.AddCompleteGuard(g)
	}

	for level := 0; level < b.numLevels; level++ {
		order := levelOrdering(b.cmp.Compare, level)
		baseFiles := b.base.LevelFiles(level)
		ls := &b.levels[level]

		added := make([]*FileMetadata, 0, ls.added.Len())
		ls.added.All(func(_ base.FileNum, f *FileMetadata) bool {
			added = append(added, f)
			return true
		})
		slices.SortFunc(added, order)

		v.Reserve(level, len(baseFiles)+len(added))
		i := 0
		for _, f := range added {
			// Add every base file that sorts before f.
			n := sort.Search(len(baseFiles)-i, func(j int) bool {
				return order(f, baseFiles[i+j]) < 0
			})
			for end := i + n; i < end; i++ {
				b.MaybeAddFile(v, level, baseFiles[i])
			}
			b.MaybeAddFile(v, level, f)
		}
		for ; i < len(baseFiles); i++ {
			b.MaybeAddFile(v, level, baseFiles[i])
		}
	}

	b.checkConsistencyOrDie(v)
}

// MaybeAddFile appends f to level of v unless the accumulated changes delete
// it, in which case f's contribution to v's current statistics is removed.
func (b *VersionBuilder) MaybeAddFile(v *Version, level int, f *FileMetadata) {
	if _, ok := b.levels[level].deleted[f.FD.FileNum()]; ok {
		v.RemoveCurrentStats(f)
		return
	}
	v.AddFile(level, f, b.logger)
}

type fileAndLevel struct {
	f     *FileMetadata
	level int
}

// LoadTableHandlers opens a cached reader for every file added by the
// accumulated edits, using up to workers goroutines, and binds it to the
// file's descriptor. It returns once every file has been processed. A file
// whose reader cannot be opened is logged and left without one; files that
// already hold a reader are skipped, so a later call retries only failures.
func (b *VersionBuilder) LoadTableHandlers(
	ctx context.Context, stats FileReadStats, workers int, prefetchIndexAndFilter bool,
) {
	b.closeChecker.AssertNotClosed()
	var files []fileAndLevel
	for level := range b.levels {
		b.levels[level].added.All(func(_ base.FileNum, f *FileMetadata) bool {
			files = append(files, fileAndLevel{f: f, level: level})
			return true
		})
	}

	var next atomic.Int64
	load := func() {
		for {
			i := next.Add(1) - 1
			if i >= int64(len(files)) {
				return
			}
			b.loadTableHandler(ctx, stats, files[i], prefetchIndexAndFilter)
		}
	}

	if workers <= 1 {
		load()
		return
	}
	// Workers never fail; the group is a fork-join barrier.
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			load()
			return nil
		})
	}
	_ = g.Wait()
}

func (b *VersionBuilder) loadTableHandler(
	ctx context.Context, stats FileReadStats, fl fileAndLevel, prefetchIndexAndFilter bool,
) {
	f := fl.f
	if f.TableReaderHandle != nil {
		return
	}
	var hist prometheus.Observer
	if stats != nil {
		hist = stats.FileReadHist(fl.level)
	}
	h, err := b.cache.FindTable(ctx, f.FD, b.cmp, fl.level, hist, prefetchIndexAndFilter)
	if err != nil {
		b.logger.Infof("unable to open table %s on L%d: %v", f.FD.PackedNum, fl.level, err)
		return
	}
	if h == nil {
		return
	}
	f.TableReaderHandle = h
	f.FD.Reader = b.cache.ReaderFromHandle(h)
}

// Close releases the builder's references to the files it still holds and to
// the base version. Files that were never saved into a version are freed.
func (b *VersionBuilder) Close() {
	b.closeChecker.Close()
	for level := range b.levels {
		b.levels[level].added.All(func(_ base.FileNum, f *FileMetadata) bool {
			f.Unref(b.cache)
			return true
		})
	}
	b.base.Unref(b.cache)
}
