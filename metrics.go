// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/cockroachdb/pebblesdb/internal/tablecache"
	"github.com/prometheus/client_golang/prometheus"
)

// LevelMetrics holds per-level metrics of the current version.
type LevelMetrics struct {
	// The total number of files in the level.
	NumFiles int64
	// The total size in bytes of the files in the level.
	Size uint64
	// The number of guards of the level, excluding the sentinel.
	NumNewGuards      int64
	NumCompleteGuards int64
}

// format generates a string of the receiver's metrics, formatting it into the
// supplied buffer.
func (m *LevelMetrics) format(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%6d %10d %7d %9d\n", m.NumFiles, m.Size, m.NumNewGuards, m.NumCompleteGuards)
}

// Metrics holds metrics for various subsystems of the version set.
type Metrics struct {
	Levels []LevelMetrics

	// TableCache holds the metrics of the cache of open table readers.
	TableCache tablecache.Metrics

	// VersionEdits is the number of edits applied by LogAndApply.
	VersionEdits int64
}

// Total returns the sum of the per-level metrics.
func (m *Metrics) Total() LevelMetrics {
	var total LevelMetrics
	for i := range m.Levels {
		l := &m.Levels[i]
		total.NumFiles += l.NumFiles
		total.Size += l.Size
		total.NumNewGuards += l.NumNewGuards
		total.NumCompleteGuards += l.NumCompleteGuards
	}
	return total
}

// String pretty-prints the metrics.
//
// Example output:
//
//	level  files       size  guards  complete
//	    0      2        300       0         0
//	    1      1        100       2         1
//	total      3        400       2         1
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "level  files       size  guards  complete\n")
	for level := range m.Levels {
		fmt.Fprintf(&buf, "%5d ", level)
		m.Levels[level].format(&buf)
	}
	total := m.Total()
	fmt.Fprintf(&buf, "total ")
	total.format(&buf)
	return buf.String()
}

// readStats implements manifest.FileReadStats with one histogram per level.
// The table cache observes the time it takes to open a table in the
// histogram of the level the table is added to.
type readStats struct {
	hist *prometheus.HistogramVec
}

var _ manifest.FileReadStats = (*readStats)(nil)

func newReadStats(reg prometheus.Registerer) (*readStats, error) {
	s := &readStats{
		hist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pebblesdb",
			Name:      "file_read_seconds",
			Help:      "Latency of opening tables, by level.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"level"}),
	}
	if reg != nil {
		if err := reg.Register(s.hist); err != nil {
			return nil, errors.Wrap(err, "pebblesdb: registering read metrics")
		}
	}
	return s, nil
}

// FileReadHist implements manifest.FileReadStats.
func (s *readStats) FileReadHist(level int) prometheus.Observer {
	return s.hist.WithLabelValues(strconv.Itoa(level))
}
