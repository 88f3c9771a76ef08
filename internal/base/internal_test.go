// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInternalKey(t *testing.T) {
	k := ParseInternalKey("foo#5,SET")
	require.Equal(t, "foo", string(k.UserKey))
	require.Equal(t, SeqNum(5), k.SeqNum())
	require.Equal(t, InternalKeyKindSet, k.Kind())
	require.Equal(t, "foo#5,SET", k.String())

	k = ParseInternalKey("#0,SET")
	require.True(t, k.Empty())

	require.Equal(t, SeqNumMax, ParseInternalKey("a#inf,DEL").SeqNum())
	require.Panics(t, func() { ParseInternalKey("foo") })
	require.Panics(t, func() { ParseInternalKey("foo#1,BOGUS") })
	require.False(t, ParseInternalKey("foo#1,INVALID").Valid())
	require.Equal(t, InternalKeyKindMerge, ParseKind("MERGE"))
}

func TestInternalCompare(t *testing.T) {
	keys := []string{
		"#0,SET",
		"a#9,SET",
		"a#9,DEL",
		"a#3,SET",
		"a#0,SET",
		"b#inf,SEPARATOR",
		"b#7,MERGE",
		"bb#1,SET",
	}
	for i := range keys {
		for j := range keys {
			a, b := ParseInternalKey(keys[i]), ParseInternalKey(keys[j])
			got := InternalCompare(bytes.Compare, a, b)
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = +1
			}
			require.Equal(t, want, got, "%s vs %s", keys[i], keys[j])
		}
	}
}

func TestInternalKeyEncodeDecode(t *testing.T) {
	k := MakeInternalKey([]byte("guard"), 42, InternalKeyKindSet)
	buf := make([]byte, k.Size())
	k.Encode(buf)
	d := DecodeInternalKey(buf)
	require.Equal(t, 0, InternalCompare(bytes.Compare, k, d))
	require.Equal(t, k.Trailer, d.Trailer)

	require.False(t, DecodeInternalKey([]byte("short")).Valid())
}

func TestInternalKeyClone(t *testing.T) {
	buf := []byte("abc")
	k := MakeInternalKey(buf, 1, InternalKeyKindSet)
	c := k.Clone()
	buf[0] = 'z'
	require.Equal(t, "abc", string(c.UserKey))
	require.Equal(t, k.Trailer, c.Trailer)
	require.Equal(t, len(c.UserKey), cap(c.UserKey))
	require.True(t, InternalKey{}.Clone().Empty())
}

func TestInternalKeyPretty(t *testing.T) {
	k := MakeInternalKey([]byte("a\xff"), 3, InternalKeyKindDelete)
	require.Equal(t, `a\xff#3,DEL`, fmt.Sprint(k.Pretty(DefaultFormatter)))
	require.Equal(t, `a\xff#3,DEL`, k.String())
}
