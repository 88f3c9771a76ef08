// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package invariants exposes build-time switches for expensive self checks.
// Builds tagged "invariants" or "race" behave like non-optimized builds: the
// manifest consistency checks always run and precondition assertions that are
// otherwise elided are evaluated.
package invariants
