// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tablecache

import (
	"sync/atomic"

	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
)

// node is an entry in a shard. Test nodes remember recently evicted tables
// and carry no reader.
type node struct {
	fileNum base.FileNum
	value   *value

	links struct {
		next *node
		prev *node
	}
	status nodeStatus
	// referenced is set when the table is looked up and cleared when a clock
	// hand sweeps past the node.
	referenced atomic.Bool
}

type nodeStatus int8

const (
	test nodeStatus = iota
	cold
	hot
)

func (p nodeStatus) String() string {
	switch p {
	case test:
		return "test"
	case cold:
		return "cold"
	case hot:
		return "hot"
	}
	return "unknown"
}

func (n *node) next() *node {
	if n == nil {
		return nil
	}
	return n.links.next
}

func (n *node) prev() *node {
	if n == nil {
		return nil
	}
	return n.links.prev
}

func (n *node) link(s *node) {
	s.links.prev = n.links.prev
	s.links.prev.links.next = s
	s.links.next = n
	s.links.next.links.prev = s
}

func (n *node) unlink() *node {
	next := n.links.next
	n.links.prev.links.next = n.links.next
	n.links.next.links.prev = n.links.prev
	n.links.prev = n
	n.links.next = n
	return next
}

// value is an open table reader shared by every handle on the table.
type value struct {
	// reader and err can only be used after initialized is closed.
	reader manifest.TableReader
	err    error

	initialized chan struct{}
	refCount    atomic.Int32
}
