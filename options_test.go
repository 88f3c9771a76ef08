// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"runtime"
	"strings"
	"testing"

	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestOptionsEnsureDefaults(t *testing.T) {
	var o Options
	o.EnsureDefaults("/data")
	require.Same(t, base.DefaultComparer, o.Comparer)
	require.Equal(t, base.DefaultLogger{}, o.Logger)
	require.Equal(t, 7, o.NumLevels)
	require.False(t, o.ForceConsistencyChecks)
	require.Equal(t, 16, o.MaxFileOpeningThreads)
	require.True(t, *o.PrefetchIndexAndFilter)
	require.True(t, o.prefetch())
	require.Equal(t, []string{"/data"}, o.DataDirs)
	require.Equal(t, 1000, o.TableCacheSize)
	require.Equal(t, runtime.GOMAXPROCS(0), o.TableCacheShards)
	require.NoError(t, o.Validate())

	// Explicit values survive.
	prefetch := false
	o = Options{NumLevels: 4, PrefetchIndexAndFilter: &prefetch, DataDirs: []string{"a", "b"}}
	o.EnsureDefaults("/data")
	require.Equal(t, 4, o.NumLevels)
	require.False(t, o.prefetch())
	require.Equal(t, []string{"a", "b"}, o.DataDirs)
}

func TestOptionsValidate(t *testing.T) {
	o := Options{
		NumLevels:        1,
		DataDirs:         []string{"a", "", "c", "d", "e"},
		TableCacheSize:   4,
		TableCacheShards: 8,
	}
	err := o.Validate()
	require.Error(t, err)
	require.Equal(t, `NumLevels (1) must be >= 2
DataDirs (5 entries) must have at most 4 entries
DataDirs[1] must not be empty
TableCacheShards (8) must be <= TableCacheSize (4)
`, err.Error())
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions([]byte(`
num_levels: 5
force_consistency_checks: true
max_file_opening_threads: 2
prefetch_index_and_filter: false
data_dirs: [/mnt/a, /mnt/b]
table_cache_size: 64
`))
	require.NoError(t, err)
	require.Equal(t, 5, o.NumLevels)
	require.True(t, o.ForceConsistencyChecks)
	require.Equal(t, 2, o.MaxFileOpeningThreads)
	require.False(t, o.prefetch())
	require.Equal(t, []string{"/mnt/a", "/mnt/b"}, o.DataDirs)
	require.Equal(t, 64, o.TableCacheSize)
	require.Equal(t, 0, o.TableCacheShards)

	// The YAML form parses back to the same options.
	o2, err := ParseOptions([]byte(o.String()))
	require.NoError(t, err)
	require.Equal(t, o, o2)

	o, err = ParseOptions(nil)
	require.NoError(t, err)
	require.Equal(t, &Options{}, o)

	_, err = ParseOptions([]byte("num_levels: 5\nmemtable_size: 10\n"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "memtable_size"), err.Error())
	_, err = ParseOptions([]byte("num_levels: many\n"))
	require.Error(t, err)
}
