// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tablecache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/cockroachdb/pebblesdb/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	fileNum base.FileNum
	closed  *atomic.Int32
}

func (r *fakeReader) FileNum() base.FileNum { return r.fileNum }
func (r *fakeReader) Size() int64           { return 1 }
func (r *fakeReader) Close() error {
	r.closed.Add(1)
	return nil
}

// fakeOpener counts opens and closes and can be told to fail or to block.
type fakeOpener struct {
	opens  atomic.Int32
	closed atomic.Int32
	fail   atomic.Bool
	gate   chan struct{}
}

func (o *fakeOpener) open(
	ctx context.Context, path string, fd manifest.FileDescriptor, prefetch bool,
) (manifest.TableReader, error) {
	o.opens.Add(1)
	if o.gate != nil {
		<-o.gate
	}
	if o.fail.Load() {
		return nil, errors.Newf("injected error opening %s", fd.FileNum())
	}
	return &fakeReader{fileNum: fd.FileNum(), closed: &o.closed}, nil
}

func newFakeCache(t *testing.T, capacity, shards int, o *fakeOpener) *Cache {
	t.Helper()
	c, err := New(Options{
		DataDirs: []string{"data"},
		Capacity: capacity,
		Shards:   shards,
		Open:     o.open,
		Logger:   testutils.Logger{T: t},
	})
	require.NoError(t, err)
	return c
}

func fd(num base.FileNum) manifest.FileDescriptor {
	return manifest.MakeFileDescriptor(num, 0, 0)
}

func TestCacheBasic(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	var o fakeOpener
	c := newFakeCache(t, 10, 1, &o)

	for round := 0; round < 2; round++ {
		for i := range 100 {
			num := base.FileNum(i % 10)
			h, err := c.FindTable(ctx, fd(num), base.DefaultComparer, 1, nil, false)
			require.NoError(t, err)
			require.Equal(t, num, c.ReaderFromHandle(h).FileNum())
			c.ReleaseHandle(h)
		}
	}
	m := c.Metrics()
	require.Equal(t, int64(10), m.Misses)
	require.Equal(t, int64(190), m.Hits)
	require.Equal(t, int64(10), m.Count)
	require.Greater(t, m.Size, int64(0))
	require.Equal(t, int32(10), o.opens.Load())
	require.Equal(t, int32(0), o.closed.Load())

	c.Close()
	require.Equal(t, int32(10), o.closed.Load())
}

func TestCacheEviction(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	var o fakeOpener
	c := newFakeCache(t, 4, 1, &o)

	for i := range 20 {
		h := testutils.CheckErr(c.FindTable(ctx, fd(base.FileNum(i)), base.DefaultComparer, 1, nil, false))
		c.ReleaseHandle(h)
	}
	m := c.Metrics()
	require.LessOrEqual(t, m.Count, int64(4))
	require.Equal(t, int32(20), o.opens.Load())

	c.Close()
	// Every reader that was opened has been closed exactly once.
	require.Equal(t, int32(20), o.closed.Load())
}

func TestCacheConcurrentLookupsOpenOnce(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	o := fakeOpener{gate: make(chan struct{})}
	c := newFakeCache(t, 16, 4, &o)

	const n = 8
	handles := make([]manifest.TableHandle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.FindTable(ctx, fd(7), base.DefaultComparer, 1, nil, false)
			if err == nil {
				handles[i] = h
			}
		}()
	}
	close(o.gate)
	wg.Wait()

	require.Equal(t, int32(1), o.opens.Load())
	for _, h := range handles {
		require.NotNil(t, h)
		require.Equal(t, base.FileNum(7), c.ReaderFromHandle(h).FileNum())
		c.ReleaseHandle(h)
	}
	c.Close()
	require.Equal(t, int32(1), o.closed.Load())
}

func TestCacheOpenFailureIsRetried(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	var o fakeOpener
	c := newFakeCache(t, 8, 2, &o)

	o.fail.Store(true)
	_, err := c.FindTable(ctx, fd(3), base.DefaultComparer, 1, nil, false)
	require.ErrorContains(t, err, "injected error opening 000003")
	_, err = c.FindTable(ctx, fd(3), base.DefaultComparer, 1, nil, false)
	require.Error(t, err)
	require.Equal(t, int32(2), o.opens.Load())
	require.Equal(t, int64(0), c.Metrics().Count)

	o.fail.Store(false)
	h, err := c.FindTable(ctx, fd(3), base.DefaultComparer, 1, nil, false)
	require.NoError(t, err)
	require.Equal(t, int32(3), o.opens.Load())
	c.ReleaseHandle(h)
	c.Close()
	require.Equal(t, int32(1), o.closed.Load())
}

func TestCacheEvict(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	var o fakeOpener
	c := newFakeCache(t, 8, 2, &o)

	for i := 1; i <= 3; i++ {
		c.ReleaseHandle(testutils.CheckErr(c.FindTable(ctx, fd(base.FileNum(i)), base.DefaultComparer, 1, nil, false)))
	}
	c.Evict(2)
	// Eviction closes the reader synchronously.
	require.Equal(t, int32(1), o.closed.Load())
	// Evicting an unknown table is a no-op.
	c.Evict(42)

	h := testutils.CheckErr(c.FindTable(ctx, fd(2), base.DefaultComparer, 1, nil, false))
	require.Equal(t, int32(4), o.opens.Load())
	require.Panics(t, func() { c.Evict(2) })
	c.ReleaseHandle(h)
	require.Panics(t, func() { c.ReleaseHandle(h) })

	c.Close()
}

func TestCacheReadHistogram(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	var o fakeOpener
	c := newFakeCache(t, 8, 1, &o)
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "open_seconds"})
	sampleCount := func() uint64 {
		m := &dto.Metric{}
		require.NoError(t, hist.Write(m))
		return m.GetHistogram().GetSampleCount()
	}

	c.ReleaseHandle(testutils.CheckErr(c.FindTable(ctx, fd(1), base.DefaultComparer, 2, hist, true)))
	require.Equal(t, uint64(1), sampleCount())
	// Hits do not open the table again.
	c.ReleaseHandle(testutils.CheckErr(c.FindTable(ctx, fd(1), base.DefaultComparer, 2, hist, true)))
	require.Equal(t, uint64(1), sampleCount())
	c.Close()
}

func TestCacheRegistersMetrics(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	var o fakeOpener
	c, err := New(Options{DataDirs: []string{"data"}, Capacity: 4, Shards: 1, Open: o.open, Registerer: reg})
	require.NoError(t, err)

	c.ReleaseHandle(testutils.CheckErr(c.FindTable(ctx, fd(1), base.DefaultComparer, 1, nil, false)))
	c.ReleaseHandle(testutils.CheckErr(c.FindTable(ctx, fd(1), base.DefaultComparer, 1, nil, false)))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		values[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
	}
	require.Equal(t, map[string]float64{
		"pebblesdb_table_cache_hits_total":   1,
		"pebblesdb_table_cache_misses_total": 1,
	}, values)

	// The same registry cannot back a second cache.
	_, err = New(Options{Capacity: 4, Shards: 1, Open: o.open, Registerer: reg})
	require.Error(t, err)
	c.Close()

	_, err = New(Options{})
	require.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dirs := []string{t.TempDir(), t.TempDir()}
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dirs[1], base.MakeTableFilename(5)), data, 0644))

	c, err := New(Options{DataDirs: dirs, Capacity: 4, Shards: 1})
	require.NoError(t, err)
	defer c.Close()

	h, err := c.FindTable(ctx, manifest.MakeFileDescriptor(5, 1, 100), base.DefaultComparer, 1, nil, true)
	require.NoError(t, err)
	r := c.ReaderFromHandle(h).(*FileReader)
	require.Equal(t, base.FileNum(5), r.FileNum())
	require.Equal(t, int64(100), r.Size())
	require.Equal(t, data, r.Prefetched())
	c.ReleaseHandle(h)
	c.Evict(5)

	_, err = c.FindTable(ctx, manifest.MakeFileDescriptor(6, 0, 100), base.DefaultComparer, 1, nil, false)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = c.FindTable(ctx, manifest.MakeFileDescriptor(6, 3, 100), base.DefaultComparer, 1, nil, false)
	require.ErrorContains(t, err, "no data directory configured for path id 3")

	// A file shorter than recorded is corrupt.
	_, err = c.FindTable(ctx, manifest.MakeFileDescriptor(5, 1, 200), base.DefaultComparer, 1, nil, false)
	require.True(t, base.IsCorruptionError(err), "%v", err)
}
