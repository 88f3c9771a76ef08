// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/invariants"
	"github.com/cockroachdb/pebblesdb/internal/strparse"
)

// DefaultNumLevels is the number of levels of a column family unless
// configured otherwise.
const DefaultNumLevels = 7

// deletionWeightOnCompaction scales the deletion entries of a file when
// computing its compensated size.
const deletionWeightOnCompaction = 2

// VersionStats holds aggregate statistics carried from version to version.
//
// The accumulated counters only grow: they sum the statistics of every file
// whose statistics were populated from the table when it was added. The
// current counters additionally shrink as such files are deleted.
type VersionStats struct {
	AccumulatedFileSize        uint64
	AccumulatedRawKeySize      uint64
	AccumulatedRawValueSize    uint64
	AccumulatedNumNonDeletions uint64
	AccumulatedNumDeletions    uint64

	CurrentNumNonDeletions uint64
	CurrentNumDeletions    uint64
	CurrentNumSamples      uint64
}

// Version is a collection of file metadata for on-disk tables at various
// levels, plus the guards partitioning each level. In-memory DBs are written
// to level-0 tables, and compactions migrate data from level N to level N+1.
// The tables map internal keys (which are a user key, a delete or set bit, and
// a sequence number) to user values.
//
// The tables at level 0 are sorted newest-first by sequence number: larger
// largest sequence number first, then larger smallest sequence number, then
// larger file number. Level 0 tables may overlap.
//
// The tables at any non-0 level are sorted by their internal key range, with
// ties broken by file number, and any two tables at the same non-0 level do
// not overlap.
//
// A Version is built by a VersionBuilder. Once Publish has been called it is
// immutable and may be shared by reference counting.
type Version struct {
	refs atomic.Int32
	// released is set when the last reference is dropped.
	released atomic.Bool
	// published is set by Publish. Mutating a published version panics.
	published bool

	cmp       *base.Comparer
	numLevels int
	files     [][]*FileMetadata

	// sentinels holds the sentinel guard of each level.
	sentinels []*GuardMetadata
	// newGuards and completeGuards hold each level's guards sorted by key.
	// A level without an entry has never received a guard.
	newGuards      map[int][]*GuardMetadata
	completeGuards map[int][]*GuardMetadata

	forceConsistencyChecks bool

	// Stats holds aggregated stats about the version maintained from
	// version to version.
	Stats VersionStats
}

// VersionOptions configures NewVersion.
type VersionOptions struct {
	Comparer  *base.Comparer
	NumLevels int
	// ForceConsistencyChecks enables the consistency checks that are
	// otherwise only run in invariant builds.
	ForceConsistencyChecks bool
}

// NewVersion constructs an empty version. A nil Comparer selects
// base.DefaultComparer and a zero NumLevels selects DefaultNumLevels.
func NewVersion(opts VersionOptions) *Version {
	numLevels := opts.NumLevels
	if numLevels == 0 {
		numLevels = DefaultNumLevels
	}
	if numLevels < 1 {
		panic(errors.AssertionFailedf("pebblesdb: invalid number of levels %d", numLevels))
	}
	v := &Version{
		cmp:                    opts.Comparer.EnsureDefaults(),
		numLevels:              numLevels,
		files:                  make([][]*FileMetadata, numLevels),
		sentinels:              make([]*GuardMetadata, numLevels),
		newGuards:              make(map[int][]*GuardMetadata),
		completeGuards:         make(map[int][]*GuardMetadata),
		forceConsistencyChecks: opts.ForceConsistencyChecks,
	}
	for level := range v.sentinels {
		v.sentinels[level] = newSentinelGuard(level)
	}
	return v
}

// Successor returns an empty version configured like v that inherits v's
// statistics and guards. It is the target a VersionBuilder based on v saves
// into.
func (v *Version) Successor() *Version {
	n := NewVersion(VersionOptions{
		Comparer:               v.cmp,
		NumLevels:              v.numLevels,
		ForceConsistencyChecks: v.forceConsistencyChecks,
	})
	n.Stats = v.Stats
	for _, guards := range v.newGuards {
		for _, g := range guards {
			n.AddNewGuard(g)
		}
	}
	for _, guards := range v.completeGuards {
		for _, g := range guards {
			n.AddCompleteGuard(g)
		}
	}
	return n
}

func (v *Version) assertMutable() {
	if v.published {
		panic(errors.AssertionFailedf("pebblesdb: mutation of a published version"))
	}
}

// Publish marks the version as immutable.
func (v *Version) Publish() {
	v.published = true
}

// Published returns true once Publish has been called.
func (v *Version) Published() bool {
	return v.published
}

// NumLevels returns the number of levels of the version.
func (v *Version) NumLevels() int {
	return v.numLevels
}

// Comparer returns the user key comparer of the version.
func (v *Version) Comparer() *base.Comparer {
	return v.cmp
}

// ForceConsistencyChecks returns true if consistency checks must run even
// in builds without invariants.
func (v *Version) ForceConsistencyChecks() bool {
	return v.forceConsistencyChecks
}

// LevelFiles returns the ordered files of level. The slice must not be
// modified.
func (v *Version) LevelFiles(level int) []*FileMetadata {
	return v.files[level]
}

// NumFiles returns the number of files across all levels.
func (v *Version) NumFiles() int {
	n := 0
	for _, files := range v.files {
		n += len(files)
	}
	return n
}

// Reserve ensures level has room for n more files.
func (v *Version) Reserve(level int, n int) {
	v.assertMutable()
	v.files[level] = slices.Grow(v.files[level], n)
}

// AddFile appends f to level and takes a reference on it. Files must be added
// in the level's order. The first time a file is added to any version its
// statistics are folded into the version's aggregates and its compensated
// size is computed.
func (v *Version) AddFile(level int, f *FileMetadata, logger base.Logger) {
	v.assertMutable()
	files := v.files[level]
	if invariants.Enabled && level > 0 && len(files) > 0 {
		prev := files[len(files)-1]
		if base.InternalCompare(v.cmp.Compare, prev.Largest, f.Smallest) >= 0 {
			logger.Errorf("adding new file %s range (%s, %s) to level %d but overlapping with existing file %s (%s, %s)",
				f.FD.FileNum(), f.Smallest.Pretty(v.cmp.FormatKey), f.Largest.Pretty(v.cmp.FormatKey), level,
				prev.FD.FileNum(), prev.Smallest.Pretty(v.cmp.FormatKey), prev.Largest.Pretty(v.cmp.FormatKey))
		}
	}
	f.Ref()
	v.files[level] = append(files, f)
	if !f.accounted {
		f.accounted = true
		v.accumulateStats(f)
	}
}

func (v *Version) accumulateStats(f *FileMetadata) {
	if f.InitStatsFromFile {
		nonDeletions := invariants.SafeSub(f.NumEntries, f.NumDeletions)
		v.Stats.AccumulatedFileSize += f.FD.FileSize
		v.Stats.AccumulatedRawKeySize += f.RawKeySize
		v.Stats.AccumulatedRawValueSize += f.RawValueSize
		v.Stats.AccumulatedNumNonDeletions += nonDeletions
		v.Stats.AccumulatedNumDeletions += f.NumDeletions
		v.Stats.CurrentNumNonDeletions += nonDeletions
		v.Stats.CurrentNumDeletions += f.NumDeletions
		v.Stats.CurrentNumSamples++
	}
	if f.compensatedFileSize == 0 {
		f.compensatedFileSize = f.FD.FileSize + v.averageValueSize()*f.NumDeletions*deletionWeightOnCompaction
	}
}

func (v *Version) averageValueSize() uint64 {
	n := v.Stats.AccumulatedNumNonDeletions
	if n == 0 {
		return 0
	}
	return v.Stats.AccumulatedRawValueSize / n
}

// RemoveCurrentStats removes f's contribution to the current statistics. It
// is called for files that are dropped from the version being built.
func (v *Version) RemoveCurrentStats(f *FileMetadata) {
	v.assertMutable()
	if !f.InitStatsFromFile || !f.accounted {
		return
	}
	nonDeletions := invariants.SafeSub(f.NumEntries, f.NumDeletions)
	v.Stats.CurrentNumNonDeletions = invariants.SafeSub(v.Stats.CurrentNumNonDeletions, nonDeletions)
	v.Stats.CurrentNumDeletions = invariants.SafeSub(v.Stats.CurrentNumDeletions, f.NumDeletions)
	v.Stats.CurrentNumSamples = invariants.SafeSub(v.Stats.CurrentNumSamples, 1)
}

// NewGuards returns the new guards of level, sorted by key.
func (v *Version) NewGuards(level int) []*GuardMetadata {
	return v.newGuards[level]
}

// CompleteGuards returns the complete guards of level, sorted by key.
func (v *Version) CompleteGuards(level int) []*GuardMetadata {
	return v.completeGuards[level]
}

// HasNewGuards returns true if level has an entry for new guards.
func (v *Version) HasNewGuards(level int) bool {
	_, ok := v.newGuards[level]
	return ok
}

// HasCompleteGuards returns true if level has an entry for complete guards.
func (v *Version) HasCompleteGuards(level int) bool {
	_, ok := v.completeGuards[level]
	return ok
}

// AddNewGuard inserts g into the new guards of its level. Adding a guard whose
// key is already present is a no-op.
func (v *Version) AddNewGuard(g *GuardMetadata) {
	v.addGuard(v.newGuards, g)
}

// AddCompleteGuard inserts g into the complete guards of its level. Adding a
// guard whose key is already present is a no-op.
func (v *Version) AddCompleteGuard(g *GuardMetadata) {
	v.addGuard(v.completeGuards, g)
}

func (v *Version) addGuard(m map[int][]*GuardMetadata, g *GuardMetadata) {
	v.assertMutable()
	if g.Level < 1 || g.Level >= v.numLevels {
		panic(errors.AssertionFailedf("pebblesdb: guard %s on invalid level", g))
	}
	if g.IsSentinel() {
		panic(errors.AssertionFailedf("pebblesdb: non-sentinel L%d guard has an empty key", g.Level))
	}
	guards := m[g.Level]
	i, found := v.findGuard(guards, g)
	if found {
		return
	}
	g.Ref()
	m[g.Level] = slices.Insert(guards, i, g)
}

// findGuard returns the position of g's key in the sorted guards.
func (v *Version) findGuard(guards []*GuardMetadata, g *GuardMetadata) (int, bool) {
	return slices.BinarySearchFunc(guards, g, func(a, b *GuardMetadata) int {
		return compareGuards(v.cmp.Compare, a, b)
	})
}

// ContainsNewGuard returns true if the level of g has a new guard with g's
// key.
func (v *Version) ContainsNewGuard(g *GuardMetadata) bool {
	_, found := v.findGuard(v.newGuards[g.Level], g)
	return found
}

// ContainsCompleteGuard returns true if the level of g has a complete guard
// with g's key.
func (v *Version) ContainsCompleteGuard(g *GuardMetadata) bool {
	_, found := v.findGuard(v.completeGuards[g.Level], g)
	return found
}

// GuardSet returns the merged view of level's sentinel, new and complete
// guards. The view must not outlive v.
func (v *Version) GuardSet(level int) GuardSet {
	return newGuardSet(v.cmp.Compare, v, v.sentinels[level], v.newGuards[level], v.completeGuards[level])
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. When the last reference is removed
// the version releases its files, returning readers of files that became
// obsolete to cache.
func (v *Version) Unref(cache TableCache) {
	n := v.refs.Add(-1)
	if n < 0 {
		panic(errors.AssertionFailedf("pebblesdb: version refs became negative: %d", n))
	}
	if n > 0 {
		return
	}
	v.released.Store(true)
	for _, files := range v.files {
		for _, f := range files {
			f.Unref(cache)
		}
	}
	for _, m := range [2]map[int][]*GuardMetadata{v.newGuards, v.completeGuards} {
		for _, guards := range m {
			for _, g := range guards {
				g.Unref()
			}
		}
	}
}

// CheckOrdering checks that the files of every level are ordered according
// to the level's ordering and, for levels >= 1, do not overlap. It returns a
// corruption error describing the first violation.
func (v *Version) CheckOrdering() error {
	for level, files := range v.files {
		if err := CheckOrdering(v.cmp.Compare, v.cmp.FormatKey, level, files); err != nil {
			return base.CorruptionErrorf("%s\n%s", err, v.DebugString())
		}
	}
	return nil
}

// CheckOrdering checks the ordering invariants of the files of one level.
//
// Level 0 files must be newest-first. In addition, a file whose smallest and
// largest sequence numbers are equal was ingested with a single global
// sequence number that must be zero or below the largest sequence number of
// the file before it; any other file must have a smaller smallest sequence
// number than the file before it.
//
// Files of levels >= 1 must be sorted by smallest key and the largest key of
// a file must sort before the smallest key of the next.
func CheckOrdering(cmp Compare, format base.FormatKey, level int, files []*FileMetadata) error {
	order := levelOrdering(cmp, level)
	for i := 1; i < len(files); i++ {
		prev, f := files[i-1], files[i]
		if order(prev, f) >= 0 {
			return errors.Errorf("L%d files %s and %s are not properly ordered",
				errors.Safe(level), errors.Safe(prev.FD.FileNum()), errors.Safe(f.FD.FileNum()))
		}
		if level == 0 {
			if f.SmallestSeqNum == f.LargestSeqNum {
				if seq := f.SmallestSeqNum; seq != 0 && seq >= prev.LargestSeqNum {
					return errors.Errorf("L0 file %s with seqnums <#%d-#%d> vs. file %s with global seqnum #%d",
						errors.Safe(prev.FD.FileNum()), errors.Safe(prev.SmallestSeqNum), errors.Safe(prev.LargestSeqNum),
						errors.Safe(f.FD.FileNum()), errors.Safe(seq))
				}
			} else if prev.SmallestSeqNum <= f.SmallestSeqNum {
				return errors.Errorf("L0 files %s and %s seqnums <#%d-#%d> vs. <#%d-#%d>",
					errors.Safe(prev.FD.FileNum()), errors.Safe(f.FD.FileNum()),
					errors.Safe(prev.SmallestSeqNum), errors.Safe(prev.LargestSeqNum),
					errors.Safe(f.SmallestSeqNum), errors.Safe(f.LargestSeqNum))
			}
			continue
		}
		if base.InternalCompare(cmp, prev.Largest, f.Smallest) >= 0 {
			return errors.Errorf("L%d files %s and %s have overlapping ranges: [%s-%s] vs [%s-%s]",
				errors.Safe(level), errors.Safe(prev.FD.FileNum()), errors.Safe(f.FD.FileNum()),
				prev.Smallest.Pretty(format), prev.Largest.Pretty(format),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
	}
	return nil
}

// String implements fmt.Stringer, printing the FileMetadata for each level in
// the Version.
func (v *Version) String() string {
	var buf bytes.Buffer
	for level, files := range v.files {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "L%d:\n", level)
		for _, f := range files {
			fmt.Fprintf(&buf, "  %s\n", f)
		}
	}
	return buf.String()
}

// DebugString returns the files of every non-empty level followed by the
// guards of every level that has any. ParseVersionDebug accepts the same
// format.
func (v *Version) DebugString() string {
	var buf bytes.Buffer
	for level, files := range v.files {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "L%d:\n", level)
		for _, f := range files {
			fmt.Fprintf(&buf, "  %s\n", f.DebugString(v.cmp.FormatKey))
		}
	}
	for level := 0; level < v.numLevels; level++ {
		v.describeGuards(&buf, "new-guards", v.newGuards[level])
		v.describeGuards(&buf, "complete-guards", v.completeGuards[level])
	}
	return buf.String()
}

func (v *Version) describeGuards(buf *bytes.Buffer, kind string, guards []*GuardMetadata) {
	if len(guards) == 0 {
		return
	}
	fmt.Fprintf(buf, "%s:\n", kind)
	for _, g := range guards {
		fmt.Fprintf(buf, "  %s\n", g.DebugString(v.cmp.FormatKey))
	}
}

// GuardDump returns a listing of the guards of every level, sentinel first,
// in the format consumed by guard analysis scripts:
//
//	--- level 1 ---
//	Guard Key: (sentinel)
//	Guard Key: m#5,SET
func (v *Version) GuardDump() string {
	var buf bytes.Buffer
	for level := 1; level < v.numLevels; level++ {
		fmt.Fprintf(&buf, "--- level %d ---\n", level)
		gs := v.GuardSet(level)
		for g := range gs.All() {
			if g.IsSentinel() {
				buf.WriteString("Guard Key: (sentinel)\n")
				continue
			}
			fmt.Fprintf(&buf, "Guard Key: %s\n", g.GuardKey.Pretty(v.cmp.FormatKey))
		}
	}
	return buf.String()
}

// ParseVersionDebug parses a Version from its DebugString output. Files are
// accepted in any order within a level and sorted by the level's ordering.
func ParseVersionDebug(opts VersionOptions, s string) (_ *Version, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.CombineErrors(err, errFromPanic(r))
		}
	}()
	v := NewVersion(opts)
	files := make([][]*FileMetadata, v.numLevels)
	level := -1
	var section string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		p := strparse.MakeParser(debugParserSeparators, l)
		if l[0] != ' ' && l[0] != '\t' {
			// Section header: "L<n>:", "new-guards:" or "complete-guards:".
			switch header := strings.TrimSpace(l); header {
			case "new-guards:", "complete-guards:":
				section = strings.TrimSuffix(header, ":")
			default:
				level, section = p.Level(), "files"
				if level >= v.numLevels {
					return nil, errors.Errorf("level %d exceeds the number of levels %d", level, v.numLevels)
				}
				p.Expect(":")
			}
			continue
		}
		switch section {
		case "files":
			files[level] = append(files[level], parseFileMetadata(&p))
		case "new-guards":
			v.AddNewGuard(parseGuardMetadata(&p))
		case "complete-guards":
			v.AddCompleteGuard(parseGuardMetadata(&p))
		default:
			return nil, errors.Errorf("version string must start with a level")
		}
	}
	for level := range files {
		slices.SortStableFunc(files[level], levelOrdering(v.cmp.Compare, level))
		v.Reserve(level, len(files[level]))
		for _, f := range files[level] {
			v.AddFile(level, f, base.NoopLogger{})
		}
	}
	if err := v.CheckOrdering(); err != nil {
		return nil, err
	}
	return v, nil
}
