/*
 * Copyright 2026 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package iova

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/vfnio/vfn/vfnerr"
)

// maxLevel bounds the number of forward-pointer levels a skip-list node may
// occupy, per the design's eight-level skip list.
const maxLevel = 8

// entry is one node of the skip list. forward holds one pointer per level
// the node participates in (length = level+1); a node only ever appears at
// index i of another node's forward array when its own forward array has at
// least i+1 elements, so traversal never indexes out of bounds.
type entry struct {
	vaddr   uint64
	length  uint64
	iova    uint64
	forward []*entry
}

// end returns the exclusive upper bound of the range this entry covers.
func (e *entry) end() uint64 { return e.vaddr + e.length }

func (e *entry) contains(q uint64) bool {
	return e.vaddr <= q && q < e.end()
}

// Entry is the value-type view of a mapping entry returned to callers.
type Entry struct {
	VAddr uint64
	Len   uint64
	IOVA  uint64
}

// Index is an ordered map from vaddr to (iova, len), implemented as a
// probabilistic skip list. Entries are non-overlapping in the vaddr
// dimension. Every operation takes the index's own mutex; traversals never
// suspend.
type Index struct {
	mu    sync.Mutex
	head  *entry // sentinel; head.forward[i] is nil at unused levels
	level int    // highest occupied level, 0 when the index is empty
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{head: &entry{forward: make([]*entry, maxLevel)}}
}

// randomLevel draws a level from a geometric distribution capped at
// maxLevel-1, by flipping a fair coin per level.
func randomLevel() int {
	level := 0
	for level < maxLevel-1 && rand.Float64() < 0.5 {
		level++
	}
	return level
}

// search descends from the top occupied level to level 0, and at each level
// advances while the next node's range still ends at or before q. It
// returns the final cursor (the node search stopped at, before descending
// past level 0) together with the per-level predecessor used to get there,
// for use by Insert/Remove. cur.forward[0] is the level-0 successor, which
// either contains q or lies strictly past it.
func (idx *Index) search(q uint64) (cur *entry, update []*entry) {
	update = make([]*entry, maxLevel)
	cur = idx.head
	for i := idx.level; i >= 0; i-- {
		for cur.forward[i] != nil && cur.forward[i].end() <= q {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	return cur, update
}

// Insert links a new entry at a drawn level. It fails with vfnerr.Exists
// when any existing entry overlaps [vaddr, vaddr+len), and with
// vfnerr.Invalid when len is zero.
func (idx *Index) Insert(vaddr, length, iovaValue uint64) error {
	const op = "iova.Index.Insert"
	if length == 0 {
		return vfnerr.New(op, vfnerr.Invalid, "length must be > 0")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, update := idx.search(vaddr)
	// candidate is the first entry ending past vaddr; it overlaps the new
	// range iff it starts before vaddr+length.
	if candidate := cur.forward[0]; candidate != nil && candidate.vaddr < vaddr+length {
		return vfnerr.New(op, vfnerr.Exists, fmt.Sprintf("vaddr %#x", vaddr))
	}

	newLevel := randomLevel()
	if newLevel > idx.level {
		for i := idx.level + 1; i <= newLevel; i++ {
			update[i] = idx.head
		}
		idx.level = newLevel
	}

	e := &entry{
		vaddr:   vaddr,
		length:  length,
		iova:    iovaValue,
		forward: make([]*entry, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		e.forward[i] = update[i].forward[i]
		update[i].forward[i] = e
	}
	return nil
}

// Remove unlinks the entry containing vaddr. It fails with vfnerr.NotFound
// when no entry contains vaddr. Levels are unlinked bottom-up; the index
// height shrinks while the top level is empty.
func (idx *Index) Remove(vaddr uint64) error {
	const op = "iova.Index.Remove"

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, update := idx.search(vaddr)
	target := cur.forward[0]
	if target == nil || !target.contains(vaddr) {
		return vfnerr.New(op, vfnerr.NotFound, fmt.Sprintf("vaddr %#x", vaddr))
	}

	for i := 0; i <= idx.level; i++ {
		if update[i].forward[i] != target {
			continue
		}
		update[i].forward[i] = target.forward[i]
	}
	for idx.level > 0 && idx.head.forward[idx.level] == nil {
		idx.level--
	}
	return nil
}

// Find returns the entry containing vaddr, if any.
func (idx *Index) Find(vaddr uint64) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, _ := idx.search(vaddr)
	target := cur.forward[0]
	if target == nil || !target.contains(vaddr) {
		return Entry{}, false
	}
	return Entry{VAddr: target.vaddr, Len: target.length, IOVA: target.iova}, true
}

// Clear removes every entry, invoking cb once per entry (in vaddr order)
// before it is released. cb may be nil.
func (idx *Index) Clear(cb func(Entry)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for cur := idx.head.forward[0]; cur != nil; cur = cur.forward[0] {
		if cb != nil {
			cb(Entry{VAddr: cur.vaddr, Len: cur.length, IOVA: cur.iova})
		}
	}
	for i := range idx.head.forward {
		idx.head.forward[i] = nil
	}
	idx.level = 0
}

// Height reports the index's current skip-list height (0 when empty).
func (idx *Index) Height() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.level
}
