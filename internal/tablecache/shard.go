// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tablecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
	"github.com/cockroachdb/pebblesdb/internal/invariants"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// shard is one CLOCK-Pro partition of the table cache.
type shard struct {
	hits   atomic.Int64
	misses atomic.Int64

	capacity int

	mu struct {
		sync.RWMutex
		nodes map[base.FileNum]*node

		handHot  *node
		handCold *node
		handTest *node

		coldTarget int
		sizeHot    int
		sizeCold   int
		sizeTest   int
	}
	releasingCh     chan *value
	releaseLoopExit sync.WaitGroup

	open    func(context.Context, openRequest) (manifest.TableReader, error)
	release func(manifest.TableReader)
	metrics *cacheMetrics
}

// openRequest describes the table a lookup needs opened on a miss.
type openRequest struct {
	fd       manifest.FileDescriptor
	prefetch bool
	readHist prometheus.Observer
}

func (s *shard) init(
	capacity int,
	open func(context.Context, openRequest) (manifest.TableReader, error),
	release func(manifest.TableReader),
	metrics *cacheMetrics,
) {
	s.capacity = capacity
	s.open = open
	s.release = release
	s.metrics = metrics
	s.mu.nodes = make(map[base.FileNum]*node)
	s.mu.coldTarget = capacity
	s.releasingCh = make(chan *value, 100)
	s.releaseLoopExit.Add(1)
	go s.releaseLoop()
}

// releaseLoop closes the readers pushed to releasingCh once their last
// reference is gone.
func (s *shard) releaseLoop() {
	defer s.releaseLoopExit.Done()
	for v := range s.releasingCh {
		<-v.initialized
		if v.err == nil {
			s.release(v.reader)
		}
	}
}

func (s *shard) unrefValue(v *value) {
	switch n := v.refCount.Add(-1); {
	case n == 0:
		s.releasingCh <- v
	case n < 0 && invariants.Enabled:
		panic(errors.AssertionFailedf("table reader refcount underflow"))
	}
}

// unlinkNode removes a node from the shard, leaving the shard reference on its
// value in place.
//
// s.mu must be held when calling this.
func (s *shard) unlinkNode(n *node) {
	delete(s.mu.nodes, n.fileNum)

	switch n.status {
	case hot:
		s.mu.sizeHot--
	case cold:
		s.mu.sizeCold--
	case test:
		s.mu.sizeTest--
	}

	if n == s.mu.handHot {
		s.mu.handHot = s.mu.handHot.prev()
	}
	if n == s.mu.handCold {
		s.mu.handCold = s.mu.handCold.prev()
	}
	if n == s.mu.handTest {
		s.mu.handTest = s.mu.handTest.prev()
	}

	if n.unlink() == n {
		// This was the last entry in the shard.
		s.mu.handHot = nil
		s.mu.handCold = nil
		s.mu.handTest = nil
	}

	n.links.prev = nil
	n.links.next = nil
}

func (s *shard) clearNode(n *node) {
	if v := n.value; v != nil {
		n.value = nil
		s.unrefValue(v)
	}
}

// findOrOpen returns an initialized value for the table, taking a reference
// on it. On a miss the table is opened outside of the shard lock; concurrent
// lookups of the same table wait for that open instead of repeating it. A
// failed open is not retained, so the next lookup tries again.
//
// The caller is responsible for unrefing the value.
func (s *shard) findOrOpen(ctx context.Context, req openRequest) *value {
	fileNum := req.fd.FileNum()

	s.mu.RLock()
	if n := s.mu.nodes[fileNum]; n != nil && n.value != nil {
		v := n.value
		v.refCount.Add(1)
		s.mu.RUnlock()
		if !n.referenced.Load() {
			n.referenced.Store(true)
		}
		s.recordHit()
		<-v.initialized
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()

	n := s.mu.nodes[fileNum]
	switch {
	case n == nil:
		n = &node{}
		s.addNode(n, fileNum, cold)
		s.mu.sizeCold++

	case n.value != nil:
		v := n.value
		v.refCount.Add(1)
		n.referenced.Store(true)
		s.recordHit()
		s.mu.Unlock()
		<-v.initialized
		return v

	default:
		// A test node: the table was evicted recently, so it comes back hot.
		s.unlinkNode(n)
		s.mu.coldTarget++
		if s.mu.coldTarget > s.capacity {
			s.mu.coldTarget = s.capacity
		}

		n.referenced.Store(false)
		s.addNode(n, fileNum, hot)
		s.mu.sizeHot++
	}

	v := &value{
		initialized: make(chan struct{}),
	}
	// One reference for the shard, one for the caller.
	v.refCount.Store(2)
	n.value = v
	s.misses.Add(1)
	s.metrics.misses.Inc()

	s.mu.Unlock()

	v.reader, v.err = s.open(ctx, req)
	if v.err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		// The node may have been evicted while the table was opening.
		if n := s.mu.nodes[fileNum]; n != nil && n.value == v {
			s.unlinkNode(n)
			s.clearNode(n)
		}
	}
	close(v.initialized)
	return v
}

func (s *shard) recordHit() {
	s.hits.Add(1)
	s.metrics.hits.Inc()
}

func (s *shard) addNode(n *node, fileNum base.FileNum, status nodeStatus) {
	n.fileNum = fileNum
	n.status = status

	s.evictNodes()
	s.mu.nodes[n.fileNum] = n

	n.links.next = n
	n.links.prev = n
	if s.mu.handHot == nil {
		s.mu.handHot = n
		s.mu.handCold = n
		s.mu.handTest = n
	} else {
		s.mu.handHot.link(n)
	}

	if s.mu.handCold == s.mu.handHot {
		s.mu.handCold = s.mu.handCold.prev()
	}
}

func (s *shard) evictNodes() {
	for s.capacity <= s.mu.sizeHot+s.mu.sizeCold && s.mu.handCold != nil {
		s.runHandCold()
	}
}

func (s *shard) runHandCold() {
	n := s.mu.handCold
	if n.status == cold {
		if n.referenced.Load() {
			n.referenced.Store(false)
			n.status = hot
			s.mu.sizeCold--
			s.mu.sizeHot++
		} else {
			s.clearNode(n)
			n.status = test
			s.mu.sizeCold--
			s.mu.sizeTest++
			for s.capacity < s.mu.sizeTest && s.mu.handTest != nil {
				s.runHandTest()
			}
		}
	}

	s.mu.handCold = s.mu.handCold.next()

	for s.capacity-s.mu.coldTarget <= s.mu.sizeHot && s.mu.handHot != nil {
		s.runHandHot()
	}
}

func (s *shard) runHandHot() {
	if s.mu.handHot == s.mu.handTest && s.mu.handTest != nil {
		s.runHandTest()
		if s.mu.handHot == nil {
			return
		}
	}

	n := s.mu.handHot
	if n.status == hot {
		if n.referenced.Load() {
			n.referenced.Store(false)
		} else {
			n.status = cold
			s.mu.sizeHot--
			s.mu.sizeCold++
		}
	}

	s.mu.handHot = s.mu.handHot.next()
}

func (s *shard) runHandTest() {
	if s.mu.sizeCold > 0 && s.mu.handTest == s.mu.handCold && s.mu.handCold != nil {
		s.runHandCold()
		if s.mu.handTest == nil {
			return
		}
	}

	n := s.mu.handTest
	if n.status == test {
		s.mu.coldTarget--
		if s.mu.coldTarget < 0 {
			s.mu.coldTarget = 0
		}
		s.unlinkNode(n)
		s.clearNode(n)
	}

	s.mu.handTest = s.mu.handTest.next()
}

// evict drops the table from the shard and closes its reader before
// returning. There must not be any outstanding handles on the table.
func (s *shard) evict(fileNum base.FileNum) {
	s.mu.Lock()
	n := s.mu.nodes[fileNum]
	var v *value
	if n != nil {
		s.unlinkNode(n)
		v = n.value
	}
	s.mu.Unlock()

	if v != nil {
		if v.refCount.Add(-1) != 0 {
			panic(errors.AssertionFailedf("table %s has outstanding handles", fileNum))
		}
		<-v.initialized
		if v.err == nil {
			s.release(v.reader)
		}
	}
}

// close releases every cached reader and stops the release loop. There must
// not be any outstanding handles.
func (s *shard) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.mu.handHot != nil {
		n := s.mu.handHot
		if v := n.value; v != nil {
			if v.refCount.Add(-1) != 0 {
				panic(errors.AssertionFailedf("table %s has outstanding handles", n.fileNum))
			}
			s.releasingCh <- v
		}
		s.unlinkNode(n)
	}

	s.mu.nodes = nil
	s.mu.handHot = nil
	s.mu.handCold = nil
	s.mu.handTest = nil

	close(s.releasingCh)
	s.releaseLoopExit.Wait()
}
