// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// FileNum is an internal DB identifier for a table file. Only the low 62 bits
// are usable; the remaining two bits of a PackedFileNum carry the PathID.
type FileNum uint64

// FileNumMask selects the file number bits of a PackedFileNum.
const FileNumMask = 0x3FFFFFFFFFFFFFFF

// MaxPathID is the largest PathID that fits in a PackedFileNum.
const MaxPathID PathID = 3

// String returns a string representation of the file number.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(fn))
}

// PathID identifies which of the configured data directories holds a table.
type PathID uint32

// String returns a string representation of the path id.
func (p PathID) String() string { return strconv.FormatUint(uint64(p), 10) }

// SafeFormat implements redact.SafeFormatter.
func (p PathID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(p))
}

// PackedFileNum combines a FileNum (low 62 bits) and a PathID (high 2 bits)
// in a single word.
type PackedFileNum uint64

// PackFileNumAndPathID packs num and pathID into a PackedFileNum. A number
// that does not fit in 62 bits or a path id greater than MaxPathID is a
// programming error.
func PackFileNumAndPathID(num FileNum, pathID PathID) PackedFileNum {
	if uint64(num) > FileNumMask {
		panic(errors.AssertionFailedf("file number %d overflows %d bits", uint64(num), 62))
	}
	if pathID > MaxPathID {
		panic(errors.AssertionFailedf("path id %d out of range", pathID))
	}
	return PackedFileNum(uint64(num) | uint64(pathID)*(FileNumMask+1))
}

// FileNum returns the file number component.
func (p PackedFileNum) FileNum() FileNum {
	return FileNum(uint64(p) & FileNumMask)
}

// PathID returns the path id component.
func (p PackedFileNum) PathID() PathID {
	return PathID(uint64(p) / (FileNumMask + 1))
}

func (p PackedFileNum) String() string {
	return fmt.Sprintf("%s@%s", p.FileNum(), p.PathID())
}

// SafeFormat implements redact.SafeFormatter.
func (p PackedFileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s@%s", p.FileNum(), p.PathID())
}

// MakeTableFilename returns the filename for the table with the given number.
func MakeTableFilename(fileNum FileNum) string {
	return fmt.Sprintf("%s.sst", fileNum)
}

// MakeTableFilepath returns the path of a table within the data directory
// selected by its path id. dataDirs[i] is the directory for PathID i.
func MakeTableFilepath(dataDirs []string, p PackedFileNum) (string, error) {
	pathID := p.PathID()
	if int(pathID) >= len(dataDirs) {
		return "", errors.Newf("pebblesdb: no data directory configured for path id %d", redact.Safe(pathID))
	}
	return filepath.Join(dataDirs[pathID], MakeTableFilename(p.FileNum())), nil
}

// ParseTableFilename parses a table filename of the form "000123.sst".
func ParseTableFilename(filename string) (fileNum FileNum, ok bool) {
	filename = filepath.Base(filename)
	s, ok := strings.CutSuffix(filename, ".sst")
	if !ok {
		return 0, false
	}
	return ParseFileNum(s)
}

// ParseFileNum parses the decimal representation of a file number.
func ParseFileNum(s string) (fileNum FileNum, ok bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil || u > FileNumMask {
		return 0, false
	}
	return FileNum(u), true
}
