// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tablecache

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
)

// tailSize bounds the trailing bytes read when prefetching; the index and
// filter blocks of a table sit at its end.
const tailSize = 64 << 10

// FileReader is the reader produced by OpenFile. It holds the table's file
// open and, when prefetching was requested, a copy of its tail.
type FileReader struct {
	fileNum base.FileNum
	file    *os.File
	size    int64
	tail    []byte
}

var _ manifest.TableReader = (*FileReader)(nil)

// OpenFile opens the table at path. The file must be at least as large as
// the size recorded in fd, when one is recorded.
func OpenFile(
	ctx context.Context, path string, fd manifest.FileDescriptor, prefetch bool,
) (manifest.TableReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newFileReader(fd, f, prefetch)
	if err != nil {
		err = errors.CombineErrors(err, f.Close())
		return nil, errors.Wrapf(err, "opening table %s", fd.PackedNum)
	}
	return r, nil
}

func newFileReader(fd manifest.FileDescriptor, f *os.File, prefetch bool) (*FileReader, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if want := int64(fd.FileSize); want > 0 && st.Size() < want {
		return nil, base.CorruptionErrorf("pebblesdb: table %s is %d bytes, expected %d",
			fd.PackedNum, st.Size(), want)
	}
	r := &FileReader{fileNum: fd.FileNum(), file: f, size: st.Size()}
	if prefetch && r.size > 0 {
		n := min(r.size, tailSize)
		r.tail = make([]byte, n)
		if _, err := f.ReadAt(r.tail, r.size-n); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return r, nil
}

// FileNum implements manifest.TableReader.
func (r *FileReader) FileNum() base.FileNum { return r.fileNum }

// Size implements manifest.TableReader.
func (r *FileReader) Size() int64 { return r.size }

// Prefetched returns the cached tail of the table, or nil if the table was
// opened without prefetching.
func (r *FileReader) Prefetched() []byte { return r.tail }

// Close implements manifest.TableReader.
func (r *FileReader) Close() error {
	return r.file.Close()
}
