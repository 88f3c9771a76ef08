// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	stdcmp "cmp"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/strparse"
)

// Compare exports the base.Compare type.
type Compare = base.Compare

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// FileDescriptor holds the information needed to read a table: its packed
// number and path id, its size and, once warmed up, a live reader.
type FileDescriptor struct {
	// Reader is bound by VersionBuilder.LoadTableHandlers. It is nil if the
	// table has not been opened through the table cache.
	Reader TableReader
	// PackedNum combines the table number and the path id of the data
	// directory holding it.
	PackedNum base.PackedFileNum
	// FileSize is the size of the file in bytes.
	FileSize uint64
}

// MakeFileDescriptor constructs a FileDescriptor for an unopened table.
func MakeFileDescriptor(num base.FileNum, pathID base.PathID, size uint64) FileDescriptor {
	return FileDescriptor{
		PackedNum: base.PackFileNumAndPathID(num, pathID),
		FileSize:  size,
	}
}

// FileNum returns the table number.
func (fd FileDescriptor) FileNum() base.FileNum { return fd.PackedNum.FileNum() }

// PathID returns the data directory index holding the table.
func (fd FileDescriptor) PathID() base.PathID { return fd.PackedNum.PathID() }

// FileMetadata describes a single table within a level of some version. A
// FileMetadata is shared by every version that contains the table; its
// reference count tracks how many versions (and builders) still hold it.
//
// Apart from the flags read by the compaction picker, the fields of a
// FileMetadata that is reachable from a published version are immutable.
type FileMetadata struct {
	// Reference count for the file: incremented when a version or builder
	// retains the file and decremented when it releases it. When the count
	// reaches zero the cached reader handle is released.
	refs atomic.Int32

	FD FileDescriptor
	// Smallest and Largest are the inclusive bounds of the internal keys
	// stored in the table.
	Smallest InternalKey
	Largest  InternalKey
	// SmallestSeqNum and LargestSeqNum bound the sequence numbers of the
	// entries in the table. Equal values mark a table ingested with a single
	// global sequence number.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// Guard is the guard the table belongs to within its level, if known. It
	// is not owned by the file.
	Guard *GuardMetadata

	// AllowedSeeks is the number of seeks permitted before the file becomes a
	// candidate for a seek-triggered compaction.
	AllowedSeeks int64
	// NumReadsSampled counts sampled user reads to the file.
	NumReadsSampled atomic.Uint64

	// Entry statistics. These are only read or written by the goroutine
	// running the log-and-apply protocol.
	NumEntries   uint64
	NumDeletions uint64
	RawKeySize   uint64
	RawValueSize uint64
	// InitStatsFromFile is true once the entry statistics have been
	// populated from the table's properties.
	InitStatsFromFile bool

	// BeingCompacted and MarkedForCompaction are read by the compaction
	// picker.
	BeingCompacted      bool
	MarkedForCompaction bool

	// TableReaderHandle pins the cached reader for the table. It must be
	// released to the table cache when the last reference is dropped.
	TableReaderHandle TableHandle

	// compensatedFileSize is the file size adjusted for deletion entries. It
	// is computed once, when the file is first added to a version; zero means
	// it has not been computed.
	compensatedFileSize uint64
	// accounted is set when the file's statistics have been folded into a
	// version's aggregates.
	accounted bool
	// boundsSet is set by the first call to UpdateBoundaries.
	boundsSet bool
}

// Refs returns the current reference count.
func (m *FileMetadata) Refs() int32 {
	return m.refs.Load()
}

// Ref increments the file's ref count.
func (m *FileMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the file's ref count. If the count drops to zero, the
// cached reader handle (if any) is released to cache and true is returned:
// the metadata is obsolete and must no longer be used.
func (m *FileMetadata) Unref(cache TableCache) bool {
	v := m.refs.Add(-1)
	if v < 0 {
		panic(errors.AssertionFailedf("pebblesdb: refs for file %s became negative: %d",
			m.FD.FileNum(), v))
	}
	if v > 0 {
		return false
	}
	if m.TableReaderHandle != nil {
		if cache == nil {
			panic(errors.AssertionFailedf("pebblesdb: file %s holds a reader handle but no table cache was provided",
				m.FD.FileNum()))
		}
		cache.ReleaseHandle(m.TableReaderHandle)
		m.TableReaderHandle = nil
		m.FD.Reader = nil
	}
	return true
}

// CompensatedFileSize returns the file size adjusted for deletion entries, or
// zero if it has not been computed yet.
func (m *FileMetadata) CompensatedFileSize() uint64 {
	return m.compensatedFileSize
}

// SetCompensatedFileSize records the compensated file size. The value is
// write-once: setting a different non-zero value afterwards panics.
func (m *FileMetadata) SetCompensatedFileSize(size uint64) {
	if m.compensatedFileSize != 0 && m.compensatedFileSize != size {
		panic(errors.AssertionFailedf("pebblesdb: compensated size of file %s already set to %d (new %d)",
			m.FD.FileNum(), m.compensatedFileSize, size))
	}
	m.compensatedFileSize = size
}

// UpdateBoundaries extends the file's bounds with key, which must not sort
// before any key previously passed: keys are required to arrive in order.
func (m *FileMetadata) UpdateBoundaries(cmp Compare, key InternalKey, seqNum base.SeqNum) {
	if !m.boundsSet {
		m.Smallest = key.Clone()
		m.Largest = m.Smallest
		m.SmallestSeqNum = seqNum
		m.LargestSeqNum = seqNum
		m.boundsSet = true
		return
	}
	if base.InternalCompare(cmp, key, m.Largest) < 0 {
		panic(errors.AssertionFailedf("pebblesdb: key %s added to file %s out of order (largest %s)",
			key, m.FD.FileNum(), m.Largest))
	}
	m.Largest = key.Clone()
	m.SmallestSeqNum = min(m.SmallestSeqNum, seqNum)
	m.LargestSeqNum = max(m.LargestSeqNum, seqNum)
}

// Clone returns an independent copy of the metadata. The copy has no
// references, no cached reader and no recorded accounting; the sampled read
// count and the guard back-reference are carried over.
func (m *FileMetadata) Clone() *FileMetadata {
	c := &FileMetadata{
		FD:                  FileDescriptor{PackedNum: m.FD.PackedNum, FileSize: m.FD.FileSize},
		Smallest:            m.Smallest.Clone(),
		Largest:             m.Largest.Clone(),
		SmallestSeqNum:      m.SmallestSeqNum,
		LargestSeqNum:       m.LargestSeqNum,
		Guard:               m.Guard,
		AllowedSeeks:        m.AllowedSeeks,
		NumEntries:          m.NumEntries,
		NumDeletions:        m.NumDeletions,
		RawKeySize:          m.RawKeySize,
		RawValueSize:        m.RawValueSize,
		InitStatsFromFile:   m.InitStatsFromFile,
		BeingCompacted:      m.BeingCompacted,
		MarkedForCompaction: m.MarkedForCompaction,
		compensatedFileSize: m.compensatedFileSize,
		boundsSet:           m.boundsSet,
	}
	c.NumReadsSampled.Store(m.NumReadsSampled.Load())
	return c
}

// String implements fmt.Stringer, printing the file number and the bounds.
func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FD.FileNum(), m.Smallest, m.Largest)
}

// DebugString returns a verbose representation of FileMetadata, typically for
// use in tests and debugging. ParseFileMetadataDebug accepts the same format.
func (m *FileMetadata) DebugString(format base.FormatKey) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s:[%s-%s] seqnums:[%d-%d]",
		m.FD.FileNum(), m.Smallest.Pretty(format), m.Largest.Pretty(format),
		m.SmallestSeqNum, m.LargestSeqNum)
	if m.FD.FileSize != 0 {
		fmt.Fprintf(&b, " size:%d", m.FD.FileSize)
	}
	if p := m.FD.PathID(); p != 0 {
		fmt.Fprintf(&b, " path:%d", p)
	}
	if m.InitStatsFromFile {
		fmt.Fprintf(&b, " entries:%d deletions:%d", m.NumEntries, m.NumDeletions)
	}
	if m.MarkedForCompaction {
		b.WriteString(" marked:true")
	}
	return b.String()
}

const debugParserSeparators = ":-[]"

// errFromPanic can be used in a recover block to convert panics into errors.
func errFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.Errorf("%v", r)
}

// ParseFileMetadataDebug parses a FileMetadata from its DebugString
// representation.
func ParseFileMetadataDebug(s string) (_ *FileMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.CombineErrors(err, errFromPanic(r))
		}
	}()
	p := strparse.MakeParser(debugParserSeparators, s)
	return parseFileMetadata(&p), nil
}

// parseFileMetadata consumes the remaining tokens of p. Input format:
//
//	000004:[a#1,SET-c#2,SET] seqnums:[1-2] size:100 path:1 entries:10 deletions:2 marked:true
func parseFileMetadata(p *strparse.Parser) *FileMetadata {
	m := &FileMetadata{}
	num := p.FileNum()
	p.Expect(":")
	m.Smallest, m.Largest = p.KeyRange()
	m.SmallestSeqNum, m.LargestSeqNum = m.Smallest.SeqNum(), m.Largest.SeqNum()
	if m.SmallestSeqNum > m.LargestSeqNum {
		m.SmallestSeqNum, m.LargestSeqNum = m.LargestSeqNum, m.SmallestSeqNum
	}
	var size uint64
	var pathID base.PathID
	for !p.Done() {
		field := p.Next()
		p.Expect(":")
		switch field {
		case "seqnums":
			m.SmallestSeqNum, m.LargestSeqNum = p.SeqNumRange()
		case "size":
			size = p.Uint64()
		case "path":
			pathID = p.PathID()
		case "entries":
			m.NumEntries = p.Uint64()
			m.InitStatsFromFile = true
		case "deletions":
			m.NumDeletions = p.Uint64()
			m.InitStatsFromFile = true
		case "marked":
			m.MarkedForCompaction = p.Bool()
		default:
			p.Errf("unknown field %q", field)
		}
	}
	m.FD = MakeFileDescriptor(num, pathID, size)
	m.boundsSet = true
	return m
}

// newestFirst orders level 0 files: larger largest sequence number first,
// then larger smallest sequence number, then larger file number.
func newestFirst(a, b *FileMetadata) int {
	if v := stdcmp.Compare(b.LargestSeqNum, a.LargestSeqNum); v != 0 {
		return v
	}
	if v := stdcmp.Compare(b.SmallestSeqNum, a.SmallestSeqNum); v != 0 {
		return v
	}
	// Break ties by file number.
	return stdcmp.Compare(b.FD.FileNum(), a.FD.FileNum())
}

// bySmallestKey orders the files of levels >= 1: ascending smallest key, ties
// broken by ascending file number.
func bySmallestKey(cmp Compare) func(a, b *FileMetadata) int {
	return func(a, b *FileMetadata) int {
		if v := base.InternalCompare(cmp, a.Smallest, b.Smallest); v != 0 {
			return v
		}
		return stdcmp.Compare(a.FD.FileNum(), b.FD.FileNum())
	}
}

// levelOrdering returns the ordering of files within level.
func levelOrdering(cmp Compare, level int) func(a, b *FileMetadata) int {
	if level == 0 {
		return newestFirst
	}
	return bySmallestKey(cmp)
}
