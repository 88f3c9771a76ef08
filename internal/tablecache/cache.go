// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tablecache implements a sharded CLOCK-Pro cache of open table
// readers. It satisfies manifest.TableCache.
package tablecache

import (
	"context"
	"encoding/binary"
	"runtime"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/invariants"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// OpenFunc opens the table stored at path. It is called at most once at a
// time for a given table.
type OpenFunc func(ctx context.Context, path string, fd manifest.FileDescriptor, prefetch bool) (manifest.TableReader, error)

// Options configure a Cache.
type Options struct {
	// DataDirs are the directories tables live in, indexed by path ID.
	DataDirs []string
	// Capacity is the number of readers kept open across all shards.
	Capacity int
	// Shards defaults to GOMAXPROCS.
	Shards int
	// Open defaults to OpenFile.
	Open   OpenFunc
	Logger base.Logger
	// Registerer, if set, receives the cache's hit and miss counters.
	Registerer prometheus.Registerer
}

type cacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
}

// Cache associates table numbers with open readers.
type Cache struct {
	opts    Options
	metrics cacheMetrics
	shards  []shard
	closed  invariants.CloseChecker
}

var _ manifest.TableCache = (*Cache)(nil)

// New creates a Cache. It registers its counters with opts.Registerer and
// fails if they are already registered.
func New(opts Options) (*Cache, error) {
	if opts.Capacity <= 0 {
		return nil, errors.Errorf("pebblesdb: table cache capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Shards <= 0 {
		opts.Shards = runtime.GOMAXPROCS(0)
	}
	if opts.Open == nil {
		opts.Open = OpenFile
	}
	if opts.Logger == nil {
		opts.Logger = base.DefaultLogger{}
	}
	c := &Cache{opts: opts}
	c.metrics = cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pebblesdb",
			Subsystem: "table_cache",
			Name:      "hits_total",
			Help:      "Number of table lookups served by an open reader.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pebblesdb",
			Subsystem: "table_cache",
			Name:      "misses_total",
			Help:      "Number of table lookups that had to open the table.",
		}),
	}
	if r := opts.Registerer; r != nil {
		for _, col := range []prometheus.Collector{c.metrics.hits, c.metrics.misses} {
			if err := r.Register(col); err != nil {
				return nil, errors.Wrap(err, "pebblesdb: registering table cache metrics")
			}
		}
	}

	c.shards = make([]shard, opts.Shards)
	shardCapacity := (opts.Capacity + opts.Shards - 1) / opts.Shards
	for i := range c.shards {
		c.shards[i].init(shardCapacity, c.openTable, c.closeReader, &c.metrics)
	}
	return c, nil
}

func (c *Cache) openTable(ctx context.Context, req openRequest) (manifest.TableReader, error) {
	path, err := base.MakeTableFilepath(c.opts.DataDirs, req.fd.PackedNum)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r, err := c.opts.Open(ctx, path, req.fd, req.prefetch)
	if req.readHist != nil {
		req.readHist.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if invariants.Enabled && r.FileNum() != req.fd.FileNum() {
		_ = r.Close()
		return nil, errors.AssertionFailedf("opened table %s for %s", r.FileNum(), req.fd.FileNum())
	}
	return r, nil
}

func (c *Cache) closeReader(r manifest.TableReader) {
	if err := r.Close(); err != nil {
		c.opts.Logger.Errorf("closing table %s: %v", r.FileNum(), err)
	}
}

func (c *Cache) shardFor(fileNum base.FileNum) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileNum))
	return &c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// handle pins a value in the shard that produced it.
type handle struct {
	shard *shard
	value *value
}

// FindTable implements manifest.TableCache. Readers produced by an OpenFunc do
// not interpret keys, so the comparer and level are unused; the level is
// already reflected in readHist.
func (c *Cache) FindTable(
	ctx context.Context,
	fd manifest.FileDescriptor,
	_ *base.Comparer,
	_ int,
	readHist prometheus.Observer,
	prefetchIndexAndFilter bool,
) (manifest.TableHandle, error) {
	c.closed.AssertNotClosed()
	s := c.shardFor(fd.FileNum())
	v := s.findOrOpen(ctx, openRequest{
		fd:       fd,
		prefetch: prefetchIndexAndFilter,
		readHist: readHist,
	})
	if err := v.err; err != nil {
		s.unrefValue(v)
		return nil, err
	}
	return &handle{shard: s, value: v}, nil
}

// ReleaseHandle implements manifest.TableCache.
func (c *Cache) ReleaseHandle(h manifest.TableHandle) {
	hd := h.(*handle)
	if hd.value == nil {
		panic(errors.AssertionFailedf("table handle released twice"))
	}
	hd.shard.unrefValue(hd.value)
	hd.value = nil
}

// ReaderFromHandle implements manifest.TableCache.
func (c *Cache) ReaderFromHandle(h manifest.TableHandle) manifest.TableReader {
	return h.(*handle).value.reader
}

// Evict closes the reader of an obsolete table before returning. There must
// not be any outstanding handles on it.
func (c *Cache) Evict(fileNum base.FileNum) {
	c.shardFor(fileNum).evict(fileNum)
}

// Close releases every cached reader. There must not be any outstanding
// handles.
func (c *Cache) Close() {
	c.closed.Close()
	for i := range c.shards {
		c.shards[i].close()
	}
	c.shards = nil
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// Size is the memory used by the cache's own bookkeeping, excluding
	// whatever the readers hold.
	Size int64
	// Count is the number of open readers.
	Count  int64
	Hits   int64
	Misses int64
}

// Metrics retrieves metrics for the cache.
func (c *Cache) Metrics() Metrics {
	var numHotOrCold, numTest int64
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		numHotOrCold += int64(s.mu.sizeHot) + int64(s.mu.sizeCold)
		numTest += int64(s.mu.sizeTest)
		s.mu.RUnlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	// Only hot and cold entries hold a reader.
	m.Count = numHotOrCold
	m.Size = (numHotOrCold + numTest) * int64(
		unsafe.Sizeof(node{})+
			unsafe.Sizeof(base.FileNum(0))+
			unsafe.Sizeof((*node)(nil)))
	m.Size += numHotOrCold * int64(unsafe.Sizeof(value{}))
	return m
}
