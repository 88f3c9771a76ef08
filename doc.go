// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package pebblesdb maintains the versions of a guard-partitioned LSM tree.
//
// A VersionSet holds the current Version of every column family. Version
// edits describing flushes, compactions and guard changes are applied to it
// with LogAndApply, which folds them into a new immutable Version through a
// manifest.VersionBuilder, opens the tables of newly added files through a
// shared table cache and installs the result:
//
//	vs, err := pebblesdb.Open(dir, &pebblesdb.Options{})
//	if err != nil {
//		return err
//	}
//	defer vs.Close()
//
//	var ve pebblesdb.VersionEdit
//	ve.AddFile(1, meta)
//	if err := vs.LogAndApply(ctx, &ve); err != nil {
//		return err
//	}
//	v := vs.Current()
//	defer vs.Release(v)
package pebblesdb
