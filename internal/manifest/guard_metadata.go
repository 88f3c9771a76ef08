// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/strparse"
)

// GuardMetadata describes a guard: a key boundary that partitions a level
// into independently compactable segments. Within a level there is at most
// one guard per distinct GuardKey, so (Level, GuardKey) identifies a guard.
//
// A guard with an empty GuardKey is a sentinel. Every level has one; it owns
// the files that sort before the first real guard.
type GuardMetadata struct {
	refs atomic.Int32

	// Level is the level the guard partitions. Real guards live on levels
	// >= 1.
	Level int
	// GuardKey is the smallest key served by the guard.
	GuardKey InternalKey
	// Smallest and Largest bound the keys of the guard's member files.
	Smallest InternalKey
	Largest  InternalKey
	// Files lists the member tables in the order they were added.
	Files []base.FileNum
	// NumSegments is the number of sorted runs within the guard.
	NumSegments uint64
}

// NewGuard returns a guard on level with the given key.
func NewGuard(level int, key InternalKey) *GuardMetadata {
	return &GuardMetadata{Level: level, GuardKey: key}
}

// newSentinelGuard returns the sentinel guard for level.
func newSentinelGuard(level int) *GuardMetadata {
	return &GuardMetadata{Level: level}
}

// IsSentinel returns true if g is a sentinel guard.
func (g *GuardMetadata) IsSentinel() bool {
	return g.GuardKey.Empty()
}

// Refs returns the current reference count.
func (g *GuardMetadata) Refs() int32 {
	return g.refs.Load()
}

// Ref increments the guard's ref count.
func (g *GuardMetadata) Ref() {
	g.refs.Add(1)
}

// Unref decrements the guard's ref count and returns true when it drops to
// zero.
func (g *GuardMetadata) Unref() bool {
	v := g.refs.Add(-1)
	if v < 0 {
		panic(errors.AssertionFailedf("pebblesdb: refs for guard L%d %s became negative: %d",
			g.Level, g.GuardKey, v))
	}
	return v == 0
}

// AddFile records f as a member of the guard, extends the guard's bounds to
// cover it and points f's guard back-reference at g.
func (g *GuardMetadata) AddFile(cmp Compare, f *FileMetadata) {
	if len(g.Files) == 0 {
		g.Smallest, g.Largest = f.Smallest, f.Largest
	} else {
		if base.InternalCompare(cmp, f.Smallest, g.Smallest) < 0 {
			g.Smallest = f.Smallest
		}
		if base.InternalCompare(cmp, f.Largest, g.Largest) > 0 {
			g.Largest = f.Largest
		}
	}
	g.Files = append(g.Files, f.FD.FileNum())
	f.Guard = g
}

// Clone returns a copy of g without references.
func (g *GuardMetadata) Clone() *GuardMetadata {
	return &GuardMetadata{
		Level:       g.Level,
		GuardKey:    g.GuardKey.Clone(),
		Smallest:    g.Smallest.Clone(),
		Largest:     g.Largest.Clone(),
		Files:       append([]base.FileNum(nil), g.Files...),
		NumSegments: g.NumSegments,
	}
}

func (g *GuardMetadata) String() string {
	if g.IsSentinel() {
		return fmt.Sprintf("L%d (sentinel)", g.Level)
	}
	return fmt.Sprintf("L%d %s", g.Level, g.GuardKey)
}

// DebugString returns the representation parsed by ParseGuardMetadataDebug:
//
//	L1 m#0,SET files:[000004 000007] segments:2
func (g *GuardMetadata) DebugString(format base.FormatKey) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "L%d %s", g.Level, g.GuardKey.Pretty(format))
	if len(g.Files) > 0 {
		b.WriteString(" files:[")
		for i, f := range g.Files {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(f.String())
		}
		b.WriteString("]")
	}
	if g.NumSegments != 0 {
		fmt.Fprintf(&b, " segments:%d", g.NumSegments)
	}
	return b.String()
}

// ParseGuardMetadataDebug parses a guard from its DebugString representation.
func ParseGuardMetadataDebug(s string) (_ *GuardMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.CombineErrors(err, errFromPanic(r))
		}
	}()
	p := strparse.MakeParser(debugParserSeparators, s)
	return parseGuardMetadata(&p), nil
}

func parseGuardMetadata(p *strparse.Parser) *GuardMetadata {
	g := NewGuard(p.Level(), p.InternalKey())
	if !g.GuardKey.Valid() {
		p.Errf("invalid guard key kind %s", g.GuardKey.Kind())
	}
	for !p.Done() {
		field := p.Next()
		p.Expect(":")
		switch field {
		case "files":
			p.Expect("[")
			for p.Peek() != "]" {
				if p.Done() {
					p.Errf("unterminated file list")
				}
				g.Files = append(g.Files, p.FileNum())
			}
			p.Expect("]")
		case "segments":
			g.NumSegments = p.Uint64()
		default:
			p.Errf("unknown field %q", field)
		}
	}
	return g
}

// compareGuards orders guards by key. An empty (sentinel) key sorts before
// every non-empty key and two empty keys are equal.
func compareGuards(cmp Compare, a, b *GuardMetadata) int {
	switch aSentinel, bSentinel := a.IsSentinel(), b.IsSentinel(); {
	case aSentinel && bSentinel:
		return 0
	case aSentinel:
		return -1
	case bSentinel:
		return +1
	}
	return base.InternalCompare(cmp, a.GuardKey, b.GuardKey)
}
