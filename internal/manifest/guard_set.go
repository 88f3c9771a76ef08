// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"iter"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/invariants"
)

// GuardSet is a sorted, read-only view over a level's sentinel guard and its
// new and complete guards. The view holds pointers to the guards of the
// version that produced it and must not be used after that version has been
// released; invariant builds panic if it is.
//
// Iteration yields the sentinel first and then the remaining guards in
// ascending key order. A key present in both collections appears once.
type GuardSet struct {
	cmp    Compare
	guards []*GuardMetadata
	// src is the version the view borrows from.
	src *Version
}

// newGuardSet merges sentinel, primary and secondary into a GuardSet. Every
// guard of primary and secondary must have a non-empty key.
func newGuardSet(
	cmp Compare, src *Version, sentinel *GuardMetadata, primary, secondary []*GuardMetadata,
) GuardSet {
	guards := make([]*GuardMetadata, 0, 1+len(primary)+len(secondary))
	guards = append(guards, sentinel)
	for _, list := range [2][]*GuardMetadata{primary, secondary} {
		for _, g := range list {
			if g.IsSentinel() {
				panic(errors.AssertionFailedf("pebblesdb: non-sentinel L%d guard has an empty key", g.Level))
			}
			guards = append(guards, g)
		}
	}
	slices.SortStableFunc(guards, func(a, b *GuardMetadata) int {
		return compareGuards(cmp, a, b)
	})
	// Keep the first of each run of equal keys: the sentinel, then primary
	// before secondary.
	guards = slices.CompactFunc(guards, func(a, b *GuardMetadata) bool {
		return compareGuards(cmp, a, b) == 0
	})
	return GuardSet{cmp: cmp, guards: guards, src: src}
}

func (s *GuardSet) checkBorrow() {
	if invariants.Enabled && s.src != nil && s.src.released.Load() {
		panic(errors.AssertionFailedf("pebblesdb: guard set used after its version was released"))
	}
}

// Len returns the number of guards in the set, including the sentinel.
func (s *GuardSet) Len() int {
	return len(s.guards)
}

// At returns the i'th guard in iteration order.
func (s *GuardSet) At(i int) *GuardMetadata {
	s.checkBorrow()
	return s.guards[i]
}

// Sentinel returns the sentinel guard.
func (s *GuardSet) Sentinel() *GuardMetadata {
	s.checkBorrow()
	return s.guards[0]
}

// All returns an iterator over the guards in order.
func (s *GuardSet) All() iter.Seq[*GuardMetadata] {
	return func(yield func(*GuardMetadata) bool) {
		s.checkBorrow()
		for _, g := range s.guards {
			if !yield(g) {
				return
			}
		}
	}
}

// Find returns the guard whose range contains userKey: the guard with the
// greatest key whose user key is <= userKey, or the sentinel if every real
// guard sorts after userKey.
func (s *GuardSet) Find(userKey []byte) *GuardMetadata {
	s.checkBorrow()
	i := sort.Search(len(s.guards), func(i int) bool {
		g := s.guards[i]
		return !g.IsSentinel() && s.cmp(g.GuardKey.UserKey, userKey) > 0
	})
	// The sentinel at index 0 never satisfies the predicate, so i >= 1.
	return s.guards[i-1]
}
