// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	stdcmp "cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/strparse"
)

// DeletedFileEntry holds the state for a file deletion from a level. The file
// itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence number).
//
// An edit restates the complete set of guards it knows about in NewGuards and
// CompleteGuards; the builder reconciles them against the guards already
// present in the version it saves into.
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. It is used to
	// verify that the comparer specified at Open matches the comparer that was
	// previously used.
	ComparerName    string
	HasComparerName bool

	// LogNumber is the smallest WAL number whose mutations have not been
	// flushed to a table.
	LogNumber    base.FileNum
	HasLogNumber bool

	// PrevLogNumber is retained for compatibility with older manifests.
	PrevLogNumber    base.FileNum
	HasPrevLogNumber bool

	// NextFileNumber is the next file number to assign.
	NextFileNumber    base.FileNum
	HasNextFileNumber bool

	// LastSequence is an upper bound on the sequence numbers that have been
	// assigned in flushed WALs.
	LastSequence    base.SeqNum
	HasLastSequence bool

	// MaxColumnFamily is the largest column family id in use.
	MaxColumnFamily    uint32
	HasMaxColumnFamily bool

	// A file num may be present in both deleted files and new files when it
	// is moved from a lower level to a higher level (when the compaction
	// found that there was no overlapping file at the higher level).
	DeletedFiles map[DeletedFileEntry]bool
	NewFiles     []NewFileEntry

	NewGuards      []*GuardMetadata
	CompleteGuards []*GuardMetadata

	// ColumnFamily is the id of the column family the edit applies to.
	ColumnFamily uint32
	// IsColumnFamilyAdd and IsColumnFamilyDrop are mutually exclusive and only
	// set on edits that carry no file changes.
	IsColumnFamilyAdd  bool
	IsColumnFamilyDrop bool
	ColumnFamilyName   string
}

// Clear resets the edit to its zero state.
func (v *VersionEdit) Clear() {
	*v = VersionEdit{}
}

// SetComparerName sets the comparer name.
func (v *VersionEdit) SetComparerName(name string) {
	v.ComparerName, v.HasComparerName = name, true
}

// SetLogNumber sets the log number.
func (v *VersionEdit) SetLogNumber(num base.FileNum) {
	v.LogNumber, v.HasLogNumber = num, true
}

// SetPrevLogNumber sets the previous log number.
func (v *VersionEdit) SetPrevLogNumber(num base.FileNum) {
	v.PrevLogNumber, v.HasPrevLogNumber = num, true
}

// SetNextFileNumber sets the next file number.
func (v *VersionEdit) SetNextFileNumber(num base.FileNum) {
	v.NextFileNumber, v.HasNextFileNumber = num, true
}

// SetLastSequence sets the last sequence number.
func (v *VersionEdit) SetLastSequence(seq base.SeqNum) {
	v.LastSequence, v.HasLastSequence = seq, true
}

// SetMaxColumnFamily sets the largest column family id.
func (v *VersionEdit) SetMaxColumnFamily(id uint32) {
	v.MaxColumnFamily, v.HasMaxColumnFamily = id, true
}

// AddFile records the addition of meta to level. The edit keeps the pointer;
// the builder copies the metadata when the edit is applied.
func (v *VersionEdit) AddFile(level int, meta *FileMetadata) {
	if meta.SmallestSeqNum > meta.LargestSeqNum {
		panic(errors.AssertionFailedf("pebblesdb: file %s has smallest seqnum %d > largest seqnum %d",
			meta.FD.FileNum(), meta.SmallestSeqNum, meta.LargestSeqNum))
	}
	v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// AddFileWithBounds records the addition of a table with the given identity
// and bounds to level.
func (v *VersionEdit) AddFileWithBounds(
	level int,
	num base.FileNum,
	pathID base.PathID,
	size uint64,
	smallest, largest InternalKey,
	smallestSeqNum, largestSeqNum base.SeqNum,
	markedForCompaction bool,
) {
	v.AddFile(level, &FileMetadata{
		FD:                  MakeFileDescriptor(num, pathID, size),
		Smallest:            smallest,
		Largest:             largest,
		SmallestSeqNum:      smallestSeqNum,
		LargestSeqNum:       largestSeqNum,
		MarkedForCompaction: markedForCompaction,
		boundsSet:           true,
	})
}

// DeleteFile records the deletion of file num from level.
func (v *VersionEdit) DeleteFile(level int, num base.FileNum) {
	if v.DeletedFiles == nil {
		v.DeletedFiles = make(map[DeletedFileEntry]bool)
	}
	v.DeletedFiles[DeletedFileEntry{Level: level, FileNum: num}] = true
}

// AddNewGuard appends g to the new guards restated by the edit.
func (v *VersionEdit) AddNewGuard(g *GuardMetadata) {
	v.NewGuards = append(v.NewGuards, g)
}

// AddCompleteGuard appends g to the complete guards restated by the edit.
func (v *VersionEdit) AddCompleteGuard(g *GuardMetadata) {
	v.CompleteGuards = append(v.CompleteGuards, g)
}

// NumEntries returns the number of file additions and deletions in the edit.
func (v *VersionEdit) NumEntries() int {
	return len(v.NewFiles) + len(v.DeletedFiles)
}

// IsColumnFamilyManipulation returns true if the edit adds or drops a column
// family.
func (v *VersionEdit) IsColumnFamilyManipulation() bool {
	return v.IsColumnFamilyAdd || v.IsColumnFamilyDrop
}

// SetColumnFamily sets the id of the column family the edit applies to.
func (v *VersionEdit) SetColumnFamily(id uint32) {
	v.ColumnFamily = id
}

func (v *VersionEdit) assertColumnFamilyManipulationAllowed() {
	if v.IsColumnFamilyManipulation() {
		panic(errors.AssertionFailedf("pebblesdb: edit already manipulates column family %d", v.ColumnFamily))
	}
	if n := v.NumEntries(); n != 0 {
		panic(errors.AssertionFailedf("pebblesdb: column family manipulation on an edit with %d file changes", n))
	}
}

// AddColumnFamily marks the edit as creating the column family name. The id
// is set with SetColumnFamily.
func (v *VersionEdit) AddColumnFamily(name string) {
	v.assertColumnFamilyManipulationAllowed()
	v.IsColumnFamilyAdd = true
	v.ColumnFamilyName = name
}

// DropColumnFamily marks the edit as dropping the column family set with
// SetColumnFamily.
func (v *VersionEdit) DropColumnFamily() {
	v.assertColumnFamilyManipulationAllowed()
	v.IsColumnFamilyDrop = true
}

// sortedDeletedFiles returns the deleted files ordered by level and number.
func (v *VersionEdit) sortedDeletedFiles() []DeletedFileEntry {
	entries := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for df := range v.DeletedFiles {
		entries = append(entries, df)
	}
	slices.SortFunc(entries, func(a, b DeletedFileEntry) int {
		if c := stdcmp.Compare(a.Level, b.Level); c != 0 {
			return c
		}
		return stdcmp.Compare(a.FileNum, b.FileNum)
	})
	return entries
}

// String implements fmt.Stringer for a VersionEdit.
func (v *VersionEdit) String() string {
	return v.DebugString(base.DefaultFormatter)
}

// DebugString is a more verbose version of String(). Use this in tests. The
// output is accepted by ParseVersionEditDebug.
func (v *VersionEdit) DebugString(fmtKey base.FormatKey) string {
	var buf bytes.Buffer
	if v.HasComparerName {
		fmt.Fprintf(&buf, "  comparer:     %s\n", v.ComparerName)
	}
	if v.HasLogNumber {
		fmt.Fprintf(&buf, "  log-num:       %d\n", v.LogNumber)
	}
	if v.HasPrevLogNumber {
		fmt.Fprintf(&buf, "  prev-log-num:  %d\n", v.PrevLogNumber)
	}
	if v.HasNextFileNumber {
		fmt.Fprintf(&buf, "  next-file-num: %d\n", v.NextFileNumber)
	}
	if v.HasLastSequence {
		fmt.Fprintf(&buf, "  last-seq-num:  %d\n", v.LastSequence)
	}
	if v.HasMaxColumnFamily {
		fmt.Fprintf(&buf, "  max-column-family: %d\n", v.MaxColumnFamily)
	}
	if v.ColumnFamily != 0 {
		fmt.Fprintf(&buf, "  column-family: %d\n", v.ColumnFamily)
	}
	if v.IsColumnFamilyAdd {
		fmt.Fprintf(&buf, "  add-column-family: %s\n", v.ColumnFamilyName)
	}
	if v.IsColumnFamilyDrop {
		fmt.Fprintf(&buf, "  drop-column-family\n")
	}
	for _, df := range v.sortedDeletedFiles() {
		fmt.Fprintf(&buf, "  del-file:     L%d %s\n", df.Level, df.FileNum)
	}
	for _, nf := range v.NewFiles {
		fmt.Fprintf(&buf, "  add-file:     L%d %s\n", nf.Level, nf.Meta.DebugString(fmtKey))
	}
	for _, g := range v.NewGuards {
		fmt.Fprintf(&buf, "  new-guard:    %s\n", g.DebugString(fmtKey))
	}
	for _, g := range v.CompleteGuards {
		fmt.Fprintf(&buf, "  complete-guard: %s\n", g.DebugString(fmtKey))
	}
	return buf.String()
}

// ParseVersionEditDebug parses a VersionEdit from its DebugString
// representation. Each line holds one field; leading whitespace and blank
// lines are ignored.
func ParseVersionEditDebug(s string) (_ *VersionEdit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.CombineErrors(err, errFromPanic(r))
		}
	}()
	ve := &VersionEdit{}
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		field, value, _ := strings.Cut(l, ":")
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		p := strparse.MakeParser(debugParserSeparators, value)
		switch field {
		case "comparer":
			ve.SetComparerName(value)
		case "log-num":
			ve.SetLogNumber(base.FileNum(p.Uint64()))
		case "prev-log-num":
			ve.SetPrevLogNumber(base.FileNum(p.Uint64()))
		case "next-file-num":
			ve.SetNextFileNumber(base.FileNum(p.Uint64()))
		case "last-seq-num":
			ve.SetLastSequence(p.SeqNum())
		case "max-column-family":
			ve.SetMaxColumnFamily(p.Uint32())
		case "column-family":
			ve.SetColumnFamily(p.Uint32())
		case "add-column-family":
			ve.AddColumnFamily(value)
			continue
		case "drop-column-family":
			ve.DropColumnFamily()
		case "del-file":
			level := p.Level()
			ve.DeleteFile(level, p.FileNum())
		case "add-file":
			level := p.Level()
			ve.AddFile(level, parseFileMetadata(&p))
		case "new-guard":
			ve.AddNewGuard(parseGuardMetadata(&p))
		case "complete-guard":
			ve.AddCompleteGuard(parseGuardMetadata(&p))
		default:
			return nil, errors.Errorf("unknown version edit field %q", field)
		}
		if field != "comparer" && !p.Done() {
			p.Errf("unexpected trailing tokens")
		}
	}
	return ve, nil
}
