// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMetricsString(t *testing.T) {
	m := &Metrics{
		Levels: []LevelMetrics{
			{NumFiles: 2, Size: 300},
			{NumFiles: 1, Size: 100, NumNewGuards: 2, NumCompleteGuards: 1},
			{},
		},
	}
	require.Equal(t, `level  files       size  guards  complete
    0      2        300       0         0
    1      1        100       2         1
    2      0          0       0         0
total      3        400       2         1
`, m.String())
}

func TestReadStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := newReadStats(reg)
	require.NoError(t, err)
	s.FileReadHist(1).Observe(0.5)
	s.FileReadHist(1).Observe(0.25)
	s.FileReadHist(3).Observe(1)

	count := func(level int) uint64 {
		m := &dto.Metric{}
		require.NoError(t, s.FileReadHist(level).(prometheus.Histogram).Write(m))
		return m.GetHistogram().GetSampleCount()
	}
	require.Equal(t, uint64(2), count(1))
	require.Equal(t, uint64(1), count(3))
	require.Equal(t, uint64(0), count(2))

	// A second set of histograms cannot share the registry.
	_, err = newReadStats(reg)
	require.Error(t, err)
	_, err = newReadStats(nil)
	require.NoError(t, err)
}
