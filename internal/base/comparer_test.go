// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComparerEnsureDefaults(t *testing.T) {
	require.Equal(t, DefaultComparer, (*Comparer)(nil).EnsureDefaults())
	require.Equal(t, DefaultComparer, DefaultComparer.EnsureDefaults())

	c := &Comparer{Compare: bytes.Compare, Name: "custom"}
	d := c.EnsureDefaults()
	require.NotSame(t, c, d)
	require.True(t, d.Equal([]byte("a"), []byte("a")))
	require.False(t, d.Equal([]byte("a"), []byte("b")))
	require.NotNil(t, d.FormatKey)

	require.Panics(t, func() { (&Comparer{Name: "x"}).EnsureDefaults() })
	require.Panics(t, func() { (&Comparer{Compare: bytes.Compare}).EnsureDefaults() })
}

func TestEmptyKeySortsFirst(t *testing.T) {
	require.Equal(t, -1, DefaultComparer.Compare(nil, []byte{0}))
	require.Equal(t, 0, DefaultComparer.Compare(nil, []byte{}))
}
