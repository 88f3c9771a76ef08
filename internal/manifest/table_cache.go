// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"context"

	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/prometheus/client_golang/prometheus"
)

// TableHandle is an opaque reference to a table reader pinned in a
// TableCache. It must be returned to the cache that produced it through
// TableCache.ReleaseHandle.
type TableHandle interface{}

// TableReader is the subset of a table reader the manifest needs to know
// about.
type TableReader interface {
	// FileNum returns the number of the table the reader serves.
	FileNum() base.FileNum
	// Size returns the size of the underlying file in bytes.
	Size() int64
	// Close releases the resources held by the reader. The owning cache
	// closes readers; holders of a TableHandle never call Close.
	Close() error
}

// TableCache is the reader cache consulted when warming up table readers for
// newly added files and released when the last reference to a FileMetadata
// goes away. Implementations must be safe for concurrent use.
type TableCache interface {
	// FindTable returns a handle to a reader for the table described by fd,
	// opening it if it is not cached. The level is used to attribute read
	// statistics; readHist may be nil. An error leaves the caller without a
	// handle and is not fatal.
	FindTable(
		ctx context.Context,
		fd FileDescriptor,
		comparer *base.Comparer,
		level int,
		readHist prometheus.Observer,
		prefetchIndexAndFilter bool,
	) (TableHandle, error)
	// ReleaseHandle unpins a handle returned by FindTable.
	ReleaseHandle(h TableHandle)
	// ReaderFromHandle returns the reader pinned by h.
	ReaderFromHandle(h TableHandle) TableReader
}

// FileReadStats provides per-level read histograms that the table cache
// observes when it opens tables.
type FileReadStats interface {
	FileReadHist(level int) prometheus.Observer
}
