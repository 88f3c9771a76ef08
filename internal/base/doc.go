// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across pebblesdb: internal keys
// and their ordering, the user key comparer, packed table identifiers, the
// Logger interface and the corruption error marker.
//
// # Table identifiers
//
// A table is named by a FileNum. The manifest stores it packed together with
// a PathID, which selects one of up to four configured data directories; see
// PackFileNumAndPathID. Packing and unpacking are exact inverses for every
// FileNum below 2^62 and every PathID up to MaxPathID.
package base
