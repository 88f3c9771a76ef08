// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package strparse

import (
	"testing"

	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestParserOffsets(t *testing.T) {
	tests := []struct {
		sep   string
		input string
		want  []token
	}{
		{sep: "|", input: "a   |  b   |c",
			want: []token{
				{tok: "a", offset: 0},
				{tok: "|", offset: 4},
				{tok: "b", offset: 7},
				{tok: "|", offset: 11},
				{tok: "c", offset: 12},
			},
		},
		{sep: "|", input: "a|b|c",
			want: []token{
				{tok: "a", offset: 0},
				{tok: "|", offset: 1},
				{tok: "b", offset: 2},
				{tok: "|", offset: 3},
				{tok: "c", offset: 4},
			},
		},
		{sep: "()", input: "a    (   (  b )            ) c       ",
			want: []token{
				{tok: "a", offset: 0},
				{tok: "(", offset: 5},
				{tok: "(", offset: 9},
				{tok: "b", offset: 12},
				{tok: ")", offset: 14},
				{tok: ")", offset: 27},
				{tok: "c", offset: 29},
			},
		},
	}
	for _, test := range tests {
		p := MakeParser(test.sep, test.input)
		require.Equal(t, test.want, p.tokens)
	}
}

func TestParserAddFileLine(t *testing.T) {
	p := MakeParser(":-[]", "L12 000004:[a#1,SET-c#2,DEL] seqnums:[1-2] path:3")
	require.Equal(t, 12, p.Level())
	require.Equal(t, base.FileNum(4), p.FileNum())
	p.Expect(":")
	smallest, largest := p.KeyRange()
	require.Equal(t, "a#1,SET", smallest.String())
	require.Equal(t, "c#2,DEL", largest.String())
	p.Expect("seqnums", ":")
	lo, hi := p.SeqNumRange()
	require.Equal(t, base.SeqNum(1), lo)
	require.Equal(t, base.SeqNum(2), hi)
	p.Expect("path", ":")
	require.Equal(t, base.PathID(3), p.PathID())
	require.True(t, p.Done())
}

func TestParserErrors(t *testing.T) {
	p := MakeParser(":", "Lx")
	_, ok := p.TryLevel()
	require.False(t, ok)
	require.Panics(t, func() { p.Level() })

	p = MakeParser(":-[]", "[5-1]")
	require.Panics(t, func() { p.SeqNumRange() })

	p = MakeParser(":", "4")
	require.Panics(t, func() { p.PathID() })
}
