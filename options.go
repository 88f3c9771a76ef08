// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package pebblesdb

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// Logger exports the base.Logger type.
type Logger = base.Logger

// DefaultComparer exports the base.DefaultComparer variable.
var DefaultComparer = base.DefaultComparer

// maxDataDirs is the number of distinct path ids a table descriptor can
// reference.
const maxDataDirs = 4

// Options holds the optional parameters for a version set. The scalar fields
// can be loaded from YAML with ParseOptions.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer `yaml:"-"`

	// Logger used to write log messages. Consistency failures are reported
	// through Logger.Fatalf.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger `yaml:"-"`

	// NumLevels is the number of levels of the LSM, including L0.
	//
	// The default value is 7.
	NumLevels int `yaml:"num_levels"`

	// ForceConsistencyChecks runs the version consistency checks even in
	// builds without invariants. A failed check is fatal.
	ForceConsistencyChecks bool `yaml:"force_consistency_checks"`

	// MaxFileOpeningThreads bounds the number of goroutines opening the tables
	// of newly added files when a new version is installed.
	//
	// The default value is 16.
	MaxFileOpeningThreads int `yaml:"max_file_opening_threads"`

	// PrefetchIndexAndFilter asks the table cache to read the tail of a table
	// when opening it.
	//
	// The default value is true.
	PrefetchIndexAndFilter *bool `yaml:"prefetch_index_and_filter"`

	// DisableTableWarmup skips opening the tables of newly added files when a
	// version is installed. Readers are then opened on first use.
	DisableTableWarmup bool `yaml:"disable_table_warmup"`

	// DataDirs maps a path id to the directory holding tables with that id.
	//
	// The default value is the version set's directory for path id 0.
	DataDirs []string `yaml:"data_dirs"`

	// TableCacheSize is the number of table readers kept open.
	//
	// The default value is 1000.
	TableCacheSize int `yaml:"table_cache_size"`

	// TableCacheShards is the number of shards of the table cache.
	//
	// The default value is runtime.GOMAXPROCS(0).
	TableCacheShards int `yaml:"table_cache_shards"`

	// MetricsRegistry, if set, receives the read histograms and table cache
	// counters.
	MetricsRegistry prometheus.Registerer `yaml:"-"`
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults(dirname string) {
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.NumLevels <= 0 {
		o.NumLevels = manifest.DefaultNumLevels
	}
	if o.MaxFileOpeningThreads <= 0 {
		o.MaxFileOpeningThreads = 16
	}
	if o.PrefetchIndexAndFilter == nil {
		prefetch := true
		o.PrefetchIndexAndFilter = &prefetch
	}
	if len(o.DataDirs) == 0 {
		o.DataDirs = []string{dirname}
	}
	if o.TableCacheSize <= 0 {
		o.TableCacheSize = 1000
	}
	if o.TableCacheShards <= 0 {
		o.TableCacheShards = runtime.GOMAXPROCS(0)
	}
}

// Validate verifies that the options are mutually consistent. It presumes
// EnsureDefaults has been called.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.NumLevels < 2 {
		fmt.Fprintf(&buf, "NumLevels (%d) must be >= 2\n", o.NumLevels)
	}
	if len(o.DataDirs) > maxDataDirs {
		fmt.Fprintf(&buf, "DataDirs (%d entries) must have at most %d entries\n", len(o.DataDirs), maxDataDirs)
	}
	for i, dir := range o.DataDirs {
		if dir == "" {
			fmt.Fprintf(&buf, "DataDirs[%d] must not be empty\n", i)
		}
	}
	if o.TableCacheShards > o.TableCacheSize {
		fmt.Fprintf(&buf, "TableCacheShards (%d) must be <= TableCacheSize (%d)\n",
			o.TableCacheShards, o.TableCacheSize)
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}

// prefetch returns the effective PrefetchIndexAndFilter setting.
func (o *Options) prefetch() bool {
	return o.PrefetchIndexAndFilter == nil || *o.PrefetchIndexAndFilter
}

// ParseOptions parses the YAML representation of the scalar options. Unknown
// fields are rejected. Fields that are absent keep their zero value and are
// filled in by EnsureDefaults.
func ParseOptions(data []byte) (*Options, error) {
	o := &Options{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "pebblesdb: parsing options")
	}
	return o, nil
}

// String returns the YAML representation of the scalar options.
func (o *Options) String() string {
	out, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(out)
}
