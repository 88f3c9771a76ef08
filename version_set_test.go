// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func parseEdit(t *testing.T, s string) *VersionEdit {
	t.Helper()
	ve, err := manifest.ParseVersionEditDebug(s)
	require.NoError(t, err)
	return ve
}

// writeTables creates table files of the given size in dir.
func writeTables(t *testing.T, dir string, size int, nums ...base.FileNum) {
	t.Helper()
	for _, num := range nums {
		path := filepath.Join(dir, base.MakeTableFilename(num))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	}
}

func openTestVersionSet(t *testing.T, opts *Options) (*VersionSet, *base.InMemLogger) {
	t.Helper()
	logger := &base.InMemLogger{}
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = logger
	vs, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return vs, logger
}

func TestVersionSetOpen(t *testing.T) {
	defer leaktest.AfterTest(t)()
	dir := t.TempDir()
	vs, err := Open(dir, nil)
	require.NoError(t, err)

	require.Equal(t, []string{dir}, vs.opts.DataDirs)
	require.Equal(t, map[string]uint32{DefaultColumnFamilyName: 0}, vs.ColumnFamilies())
	v := vs.Current()
	require.Equal(t, manifest.DefaultNumLevels, v.NumLevels())
	require.Equal(t, 0, v.NumFiles())
	require.True(t, v.Published())
	vs.Release(v)

	require.Equal(t, base.FileNum(1), vs.NewFileNumber())
	require.Equal(t, base.FileNum(2), vs.NewFileNumber())
	require.Equal(t, base.SeqNum(0), vs.LastSequence())

	require.NoError(t, vs.Close())
	require.Error(t, vs.Close())
	require.Error(t, vs.LogAndApply(context.Background(), &VersionEdit{}))

	_, err = Open(dir, &Options{DataDirs: []string{"a", "b", "c", "d", "e"}})
	require.Error(t, err)
}

func TestVersionSetLogAndApply(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	vs, logger := openTestVersionSet(t, &Options{MetricsRegistry: reg, MaxFileOpeningThreads: 4})
	writeTables(t, vs.dirname, 100, 4, 5, 6)

	require.NoError(t, vs.LogAndApply(ctx, parseEdit(t, `
comparer: leveldb.BytewiseComparator
log-num: 3
next-file-num: 10
last-seq-num: 20
add-file: L1 000004:[a#1,SET-c#1,SET] size:100
add-file: L1 000005:[d#2,SET-f#2,SET] size:100
new-guard: L1 d#0,SET
`)))
	require.Equal(t, "", logger.String())

	v := vs.Current()
	require.Equal(t, `L1:
  000004:[a#1,SET-c#1,SET] seqnums:[1-1] size:100
  000005:[d#2,SET-f#2,SET] seqnums:[2-2] size:100
new-guards:
  L1 d#0,SET
`, v.DebugString())
	for _, f := range v.LevelFiles(1) {
		require.NotNil(t, f.FD.Reader, "%s", f.FD.FileNum())
		require.Equal(t, int64(100), f.FD.Reader.Size())
	}
	logNum, prevLogNum := vs.LogNumber()
	require.Equal(t, base.FileNum(3), logNum)
	require.Equal(t, base.FileNum(0), prevLogNum)
	require.Equal(t, base.FileNum(10), vs.NewFileNumber())
	require.Equal(t, base.SeqNum(20), vs.LastSequence())

	// A second batch moves a file down a level and adds another.
	require.NoError(t, vs.LogAndApply(ctx,
		parseEdit(t, "del-file: L1 000004\nadd-file: L2 000004:[a#1,SET-c#1,SET] size:100\n"),
		parseEdit(t, "add-file: L0 000006:[b#21,SET-c#22,SET] size:100\nlast-seq-num: 22\n"),
	))
	v2 := vs.Current()
	require.Equal(t, "L0:\n  000006:[b#21,SET-c#22,SET]\nL1:\n  000005:[d#2,SET-f#2,SET]\nL2:\n  000004:[a#1,SET-c#1,SET]\n",
		v2.String())
	// The guards carry over to the new version.
	require.Len(t, v2.NewGuards(1), 1)
	require.Equal(t, base.SeqNum(22), vs.LastSequence())
	// The predecessor is unaffected.
	require.Len(t, v.LevelFiles(1), 2)
	vs.Release(v)
	vs.Release(v2)

	m := vs.Metrics()
	require.Equal(t, int64(3), m.VersionEdits)
	require.Equal(t, int64(1), m.Levels[1].NumFiles)
	require.Equal(t, uint64(100), m.Levels[2].Size)
	require.Equal(t, int64(1), m.Levels[1].NumNewGuards)
	require.Equal(t, LevelMetrics{NumFiles: 3, Size: 300, NumNewGuards: 1}, m.Total())
	// The moved file's reader is still cached.
	require.Equal(t, int64(3), m.TableCache.Misses)
	require.Equal(t, int64(1), m.TableCache.Hits)
	require.True(t, strings.HasPrefix(m.String(), "level  files"), m.String())

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "pebblesdb_file_read_seconds")
	require.Contains(t, names, "pebblesdb_table_cache_misses_total")

	require.NoError(t, vs.Close())
}

func TestVersionSetWarmupFailure(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	vs, logger := openTestVersionSet(t, nil)
	require.NoError(t, vs.LogAndApply(ctx, parseEdit(t, "add-file: L1 000007:[a#1,SET-b#1,SET] size:100\n")))
	require.Contains(t, logger.String(), "unable to open table 000007@0 on L1")

	v := vs.Current()
	require.Len(t, v.LevelFiles(1), 1)
	require.Nil(t, v.LevelFiles(1)[0].FD.Reader)
	vs.Release(v)
	require.NoError(t, vs.Close())
}

func TestVersionSetDisableWarmup(t *testing.T) {
	defer leaktest.AfterTest(t)()
	vs, logger := openTestVersionSet(t, &Options{DisableTableWarmup: true})
	writeTables(t, vs.dirname, 100, 7)
	require.NoError(t, vs.LogAndApply(context.Background(),
		parseEdit(t, "add-file: L1 000007:[a#1,SET-b#1,SET] size:100\n")))
	require.Equal(t, "", logger.String())
	require.Equal(t, int64(0), vs.Metrics().TableCache.Misses)
	require.NoError(t, vs.Close())
}

func TestVersionSetRejectedEdits(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	vs, _ := openTestVersionSet(t, &Options{DisableTableWarmup: true})
	require.NoError(t, vs.LogAndApply(ctx, parseEdit(t, "log-num: 5\n")))

	mixed := parseEdit(t, "del-file: L1 000003\n")
	mixed.IsColumnFamilyAdd = true
	mixed.ColumnFamilyName = "users"
	crossFamily := parseEdit(t, "last-seq-num: 4\n")
	crossFamily.ColumnFamily = 1
	unknownFamily := parseEdit(t, "last-seq-num: 4\n")
	unknownFamily.ColumnFamily = 3

	for _, tc := range []struct {
		name  string
		edits []*VersionEdit
		want  string
	}{
		{"comparer", []*VersionEdit{parseEdit(t, "comparer: other\n")}, `edit comparer "other" does not match`},
		{"log number", []*VersionEdit{parseEdit(t, "log-num: 4\n")}, "log number 000004 precedes current log number 000005"},
		{"mixed", []*VersionEdit{mixed}, "column family manipulation must be applied on its own"},
		{"cross family", []*VersionEdit{parseEdit(t, "log-num: 6\n"), crossFamily}, "edits target column families 0 and 1"},
		{"unknown family", []*VersionEdit{unknownFamily}, "unknown column family 3"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorContains(t, vs.LogAndApply(ctx, tc.edits...), tc.want)
		})
	}
	logNum, _ := vs.LogNumber()
	require.Equal(t, base.FileNum(5), logNum)
	require.Equal(t, int64(1), vs.Metrics().VersionEdits)
	require.NoError(t, vs.Close())
}

func TestVersionSetInvalidLevels(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	vs, _ := openTestVersionSet(t, &Options{NumLevels: 3, DisableTableWarmup: true})

	err := vs.LogAndApply(ctx, parseEdit(t, "add-file: L5 000004:[a#1,SET-b#1,SET]\n"))
	require.True(t, base.IsCorruptionError(err), "%v", err)
	require.ErrorContains(t, err, "reference levels beyond L2")
	v := vs.Current()
	require.Equal(t, 0, v.NumFiles())
	vs.Release(v)

	// A file added and removed again on an invalid level is harmless.
	require.NoError(t, vs.LogAndApply(ctx,
		parseEdit(t, "add-file: L5 000004:[a#1,SET-b#1,SET]\n"),
		parseEdit(t, "del-file: L5 000004\n"),
	))
	require.NoError(t, vs.Close())
}

func TestVersionSetConsistencyFailure(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	vs, logger := openTestVersionSet(t, &Options{ForceConsistencyChecks: true, DisableTableWarmup: true})

	require.Panics(t, func() {
		_ = vs.LogAndApply(ctx, parseEdit(t, `
add-file: L1 000001:[a#1,SET-d#1,SET]
add-file: L1 000002:[b#2,SET-c#2,SET]
`))
	})
	require.Contains(t, logger.String(), "fatal: L1 files 000001 and 000002 have overlapping ranges")
	// The current version is untouched.
	v := vs.Current()
	require.Equal(t, 0, v.NumFiles())
	vs.Release(v)
	require.NoError(t, vs.Close())
}

func TestVersionSetColumnFamilies(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	vs, _ := openTestVersionSet(t, &Options{DisableTableWarmup: true})

	var add VersionEdit
	add.SetColumnFamily(2)
	add.AddColumnFamily("users")
	require.NoError(t, vs.LogAndApply(ctx, &add))
	require.Equal(t, map[string]uint32{DefaultColumnFamilyName: 0, "users": 2}, vs.ColumnFamilies())
	require.Equal(t, uint32(2), vs.MaxColumnFamily())

	// Adding it twice fails, by id or by name.
	require.ErrorContains(t, vs.LogAndApply(ctx, &add), "column family 2 already exists")
	var dupName VersionEdit
	dupName.SetColumnFamily(3)
	dupName.AddColumnFamily("users")
	require.ErrorContains(t, vs.LogAndApply(ctx, &dupName), `column family "users" already exists`)

	files := parseEdit(t, "add-file: L1 000004:[a#1,SET-b#1,SET]\n")
	files.SetColumnFamily(2)
	require.NoError(t, vs.LogAndApply(ctx, files))
	v, ok := vs.ColumnFamilyVersion(2)
	require.True(t, ok)
	require.Len(t, v.LevelFiles(1), 1)
	vs.Release(v)
	// The default column family is unaffected.
	require.Equal(t, int64(0), vs.Metrics().Levels[1].NumFiles)

	var drop VersionEdit
	drop.SetColumnFamily(2)
	drop.DropColumnFamily()
	require.NoError(t, vs.LogAndApply(ctx, &drop))
	_, ok = vs.ColumnFamilyVersion(2)
	require.False(t, ok)
	require.Equal(t, map[string]uint32{DefaultColumnFamilyName: 0}, vs.ColumnFamilies())
	require.Equal(t, uint32(2), vs.MaxColumnFamily())
	require.ErrorContains(t, vs.LogAndApply(ctx, &drop), "unknown column family 2")

	var dropDefault VersionEdit
	dropDefault.DropColumnFamily()
	require.ErrorContains(t, vs.LogAndApply(ctx, &dropDefault), "default column family cannot be dropped")
	require.NoError(t, vs.Close())
}
