// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/cockroachdb/pebblesdb/internal/tablecache"
)

// Provide type aliases for the various manifest structs.
type (
	FileMetadata  = manifest.FileMetadata
	GuardMetadata = manifest.GuardMetadata
	Version       = manifest.Version
	VersionEdit   = manifest.VersionEdit
)

// DefaultColumnFamilyName is the name of the column family that exists in
// every version set. Its id is 0.
const DefaultColumnFamilyName = "default"

// columnFamily is the per-column-family state of a version set.
type columnFamily struct {
	id      uint32
	name    string
	current *manifest.Version
}

// VersionSet manages the current version of each column family, and the
// creation of a new version from the current one. A new version is created
// from the current version by applying version edits, which are deltas from
// the previous version, through a manifest.VersionBuilder.
//
// LogAndApply calls are serialized; the versions a VersionSet hands out are
// immutable and may be read concurrently.
type VersionSet struct {
	// Immutable fields.
	dirname string
	opts    *Options
	cache   *tablecache.Cache
	stats   *readStats

	mu struct {
		sync.Mutex

		families map[uint32]*columnFamily
		byName   map[string]uint32

		logNum          base.FileNum
		prevLogNum      base.FileNum
		nextFileNum     base.FileNum
		lastSeqNum      base.SeqNum
		maxColumnFamily uint32

		versionEdits int64
		closed       bool
	}
}

// Open creates a version set whose only column family is the default one,
// holding an empty version. Tables referenced by later edits are looked up in
// opts.DataDirs, which defaults to dirname.
func Open(dirname string, opts *Options) (*VersionSet, error) {
	o := &Options{}
	if opts != nil {
		*o = *opts
	}
	o.EnsureDefaults(dirname)
	if err := o.Validate(); err != nil {
		return nil, err
	}

	stats, err := newReadStats(o.MetricsRegistry)
	if err != nil {
		return nil, err
	}
	cache, err := tablecache.New(tablecache.Options{
		DataDirs:   o.DataDirs,
		Capacity:   o.TableCacheSize,
		Shards:     o.TableCacheShards,
		Logger:     o.Logger,
		Registerer: o.MetricsRegistry,
	})
	if err != nil {
		return nil, err
	}

	vs := &VersionSet{
		dirname: dirname,
		opts:    o,
		cache:   cache,
		stats:   stats,
	}
	vs.mu.families = make(map[uint32]*columnFamily)
	vs.mu.byName = make(map[string]uint32)
	vs.mu.nextFileNum = 1
	vs.createColumnFamilyLocked(0, DefaultColumnFamilyName)
	return vs, nil
}

func (vs *VersionSet) newVersion() *manifest.Version {
	return manifest.NewVersion(manifest.VersionOptions{
		Comparer:               vs.opts.Comparer,
		NumLevels:              vs.opts.NumLevels,
		ForceConsistencyChecks: vs.opts.ForceConsistencyChecks,
	})
}

func (vs *VersionSet) createColumnFamilyLocked(id uint32, name string) {
	v := vs.newVersion()
	v.Ref()
	v.Publish()
	vs.mu.families[id] = &columnFamily{id: id, name: name, current: v}
	vs.mu.byName[name] = id
}

// LogAndApply applies the edits to the current version of the column family
// they target and installs the result as the new current version. All edits
// must target the same column family. An edit that adds or drops a column
// family must be the only edit and must not carry file changes.
//
// Integrity failures detected while applying the edits are reported through
// Options.Logger.Fatalf; the returned error covers edits that are rejected
// before any state changes.
func (vs *VersionSet) LogAndApply(ctx context.Context, edits ...*VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.mu.closed {
		return errors.New("pebblesdb: version set is closed")
	}
	if len(edits) == 0 {
		return nil
	}
	if err := vs.validateEditsLocked(edits); err != nil {
		return err
	}

	if ve := edits[0]; ve.IsColumnFamilyManipulation() {
		if err := vs.manipulateColumnFamilyLocked(ve); err != nil {
			return err
		}
		vs.advanceLocked(ve)
		vs.mu.versionEdits++
		return nil
	}

	cf := vs.mu.families[edits[0].ColumnFamily]
	b := manifest.NewVersionBuilder(cf.current, vs.cache, vs.opts.Logger)
	defer b.Close()
	for _, ve := range edits {
		b.Apply(ve)
	}
	if !b.CheckConsistencyForNumLevels() {
		return base.CorruptionErrorf("pebblesdb: edits for column family %d reference levels beyond L%d",
			errors.Safe(cf.id), errors.Safe(vs.opts.NumLevels-1))
	}
	if !vs.opts.DisableTableWarmup {
		b.LoadTableHandlers(ctx, vs.stats, vs.opts.MaxFileOpeningThreads, vs.opts.prefetch())
	}
	newVersion := cf.current.Successor()
	b.SaveTo(newVersion)

	// Install the new version.
	newVersion.Ref()
	newVersion.Publish()
	old := cf.current
	cf.current = newVersion
	old.Unref(vs.cache)

	for _, ve := range edits {
		vs.advanceLocked(ve)
	}
	vs.mu.versionEdits += int64(len(edits))
	return nil
}

func (vs *VersionSet) validateEditsLocked(edits []*VersionEdit) error {
	cfID := edits[0].ColumnFamily
	for _, ve := range edits {
		if ve.HasComparerName && ve.ComparerName != vs.opts.Comparer.Name {
			return errors.Errorf("pebblesdb: edit comparer %q does not match %q",
				ve.ComparerName, vs.opts.Comparer.Name)
		}
		if ve.ColumnFamily != cfID {
			return errors.Errorf("pebblesdb: edits target column families %d and %d",
				errors.Safe(cfID), errors.Safe(ve.ColumnFamily))
		}
		if ve.IsColumnFamilyManipulation() && (len(edits) > 1 || ve.NumEntries() != 0) {
			return errors.New("pebblesdb: column family manipulation must be applied on its own")
		}
		if ve.HasLogNumber && ve.LogNumber < vs.mu.logNum {
			return errors.Errorf("pebblesdb: log number %s precedes current log number %s",
				ve.LogNumber, vs.mu.logNum)
		}
	}
	if _, ok := vs.mu.families[cfID]; !ok && !edits[0].IsColumnFamilyAdd {
		return errors.Errorf("pebblesdb: unknown column family %d", errors.Safe(cfID))
	}
	return nil
}

func (vs *VersionSet) manipulateColumnFamilyLocked(ve *VersionEdit) error {
	id := ve.ColumnFamily
	if ve.IsColumnFamilyAdd {
		if _, ok := vs.mu.families[id]; ok {
			return errors.Errorf("pebblesdb: column family %d already exists", errors.Safe(id))
		}
		if _, ok := vs.mu.byName[ve.ColumnFamilyName]; ok {
			return errors.Errorf("pebblesdb: column family %q already exists", ve.ColumnFamilyName)
		}
		vs.createColumnFamilyLocked(id, ve.ColumnFamilyName)
		vs.mu.maxColumnFamily = max(vs.mu.maxColumnFamily, id)
		return nil
	}
	if id == 0 {
		return errors.New("pebblesdb: the default column family cannot be dropped")
	}
	cf := vs.mu.families[id]
	delete(vs.mu.families, id)
	delete(vs.mu.byName, cf.name)
	cf.current.Unref(vs.cache)
	return nil
}

// advanceLocked moves the scalar fields forward to the values recorded in ve.
func (vs *VersionSet) advanceLocked(ve *VersionEdit) {
	if ve.HasLogNumber {
		vs.mu.logNum = ve.LogNumber
	}
	if ve.HasPrevLogNumber {
		vs.mu.prevLogNum = ve.PrevLogNumber
	}
	if ve.HasNextFileNumber && ve.NextFileNumber > vs.mu.nextFileNum {
		vs.mu.nextFileNum = ve.NextFileNumber
	}
	if ve.HasLastSequence && ve.LastSequence > vs.mu.lastSeqNum {
		vs.mu.lastSeqNum = ve.LastSequence
	}
	if ve.HasMaxColumnFamily && ve.MaxColumnFamily > vs.mu.maxColumnFamily {
		vs.mu.maxColumnFamily = ve.MaxColumnFamily
	}
}

// Current returns the current version of the default column family with a
// reference taken on it. The caller must pass it to Release when done.
func (vs *VersionSet) Current() *Version {
	v, _ := vs.ColumnFamilyVersion(0)
	return v
}

// ColumnFamilyVersion returns the current version of the column family with
// the given id, with a reference taken on it.
func (vs *VersionSet) ColumnFamilyVersion(id uint32) (*Version, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	cf, ok := vs.mu.families[id]
	if !ok {
		return nil, false
	}
	cf.current.Ref()
	return cf.current, true
}

// Release drops a reference obtained from Current or ColumnFamilyVersion.
func (vs *VersionSet) Release(v *Version) {
	v.Unref(vs.cache)
}

// ColumnFamilies returns the ids of the live column families, keyed by name.
func (vs *VersionSet) ColumnFamilies() map[string]uint32 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	m := make(map[string]uint32, len(vs.mu.byName))
	for name, id := range vs.mu.byName {
		m[name] = id
	}
	return m
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() base.FileNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.mu.nextFileNum
	vs.mu.nextFileNum++
	return n
}

// LastSequence returns the largest sequence number recorded by an edit.
func (vs *VersionSet) LastSequence() base.SeqNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.mu.lastSeqNum
}

// LogNumber returns the current log number and the previous log number.
func (vs *VersionSet) LogNumber() (logNum, prevLogNum base.FileNum) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.mu.logNum, vs.mu.prevLogNum
}

// MaxColumnFamily returns the largest column family id ever allocated.
func (vs *VersionSet) MaxColumnFamily() uint32 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.mu.maxColumnFamily
}

// Metrics returns metrics about the current version of the default column
// family and the table cache.
func (vs *VersionSet) Metrics() *Metrics {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	m := &Metrics{
		Levels:       make([]LevelMetrics, vs.opts.NumLevels),
		VersionEdits: vs.mu.versionEdits,
	}
	if !vs.mu.closed {
		m.TableCache = vs.cache.Metrics()
	}
	cf, ok := vs.mu.families[0]
	if !ok {
		return m
	}
	v := cf.current
	for level := range m.Levels {
		l := &m.Levels[level]
		for _, f := range v.LevelFiles(level) {
			l.NumFiles++
			l.Size += f.FD.FileSize
		}
		l.NumNewGuards = int64(len(v.NewGuards(level)))
		l.NumCompleteGuards = int64(len(v.CompleteGuards(level)))
	}
	return m
}

// Close releases the current versions and closes the table cache. Every
// version obtained from Current must have been released.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.mu.closed {
		return errors.New("pebblesdb: version set already closed")
	}
	vs.mu.closed = true
	ids := make([]uint32, 0, len(vs.mu.families))
	for id := range vs.mu.families {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		vs.mu.families[id].current.Unref(vs.cache)
	}
	vs.mu.families = nil
	vs.mu.byName = nil
	vs.cache.Close()
	return nil
}
