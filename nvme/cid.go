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

package nvme

import (
	"context"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sync/semaphore"

	"github.com/vfnio/vfn/vfnerr"
)

// Slot state machine:
//
//	FREE --acquire--> OWNED --submit--> INFLIGHT --matching CQE--> (released, back to FREE)
//	                             |
//	                             +-- timeout/cancel --> ORPHANED (retained until a belated CQE drains it)
const (
	slotFree int32 = iota
	slotOwned
	slotInflight
	slotOrphaned
)

// RequestSlot is one element of a queue pair's request-slot pool: a
// preallocated command identifier, a slot-local PRP list buffer, and an
// opaque caller pointer carried from submit to completion.
type RequestSlot struct {
	cid         uint16
	state       int32
	prpList     []byte
	prpListIOVA uint64
	user        any
	next        atomic.Pointer[RequestSlot]
}

// CID returns the slot's command identifier, stable for the slot's lifetime.
func (s *RequestSlot) CID() uint16 { return s.cid }

// PRPList returns the slot's preallocated PRP list scratch buffer.
func (s *RequestSlot) PRPList() []byte { return s.prpList }

// setPRPListIOVA records the IOVA of the slot's PRP list buffer. It is set
// only through QueuePair.SetSlotPRPListIOVA; until then it is 0.
func (s *RequestSlot) setPRPListIOVA(iovaAddr uint64) { s.prpListIOVA = iovaAddr }

// SetUser stashes a caller-owned value with the slot, retrievable from the
// matching completion.
func (s *RequestSlot) SetUser(v any) { s.user = v }

// User returns the value set by SetUser.
func (s *RequestSlot) User() any { return s.user }

func (s *RequestSlot) state32() int32 { return atomic.LoadInt32(&s.state) }

// SlotPool is a pool of sq_depth-1 request slots, one reserved entry keeping
// head == tail unambiguously meaning "empty". Free/busy tracking is a
// lock-free singly-linked stack (Treiber stack); the depth ceiling is
// enforced by a weighted semaphore so AcquireRQ fails with Busy exactly when
// the free list is exhausted, without a race between the semaphore count and
// the list itself.
type SlotPool struct {
	slots []RequestSlot
	head  atomic.Pointer[RequestSlot]
	sema  *semaphore.Weighted
}

// NewSlotPool builds a pool of depth-1 slots, each with a PRP list buffer of
// prpListCap bytes.
func NewSlotPool(depth uint32, prpListCap int) *SlotPool {
	n := int(depth) - 1
	p := &SlotPool{
		slots: make([]RequestSlot, n),
		sema:  semaphore.NewWeighted(int64(n)),
	}
	for i := range p.slots {
		p.slots[i].cid = uint16(i)
		p.slots[i].prpList = mcache.Malloc(prpListCap)
		p.push(&p.slots[i])
	}
	return p
}

func (p *SlotPool) push(s *RequestSlot) {
	for {
		old := p.head.Load()
		s.next.Store(old)
		if p.head.CompareAndSwap(old, s) {
			return
		}
	}
}

func (p *SlotPool) pop() *RequestSlot {
	for {
		old := p.head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if p.head.CompareAndSwap(old, next) {
			old.next.Store(nil)
			return old
		}
	}
}

// AcquireRQ atomically pops a slot from the free list. Fails with Busy when
// the pool is fully checked out (depth-1 already OWNED/INFLIGHT/ORPHANED).
func (p *SlotPool) AcquireRQ() (*RequestSlot, error) {
	const op = "nvme.SlotPool.AcquireRQ"
	if !p.sema.TryAcquire(1) {
		return nil, vfnerr.New(op, vfnerr.Busy, "request-slot pool empty")
	}
	s := p.pop()
	atomic.StoreInt32(&s.state, slotOwned)
	return s, nil
}

// AcquireRQWait blocks until a slot is free or ctx is cancelled.
func (p *SlotPool) AcquireRQWait(ctx context.Context) (*RequestSlot, error) {
	const op = "nvme.SlotPool.AcquireRQWait"
	if err := p.sema.Acquire(ctx, 1); err != nil {
		return nil, vfnerr.Wrap(op, vfnerr.Timeout, err)
	}
	s := p.pop()
	atomic.StoreInt32(&s.state, slotOwned)
	return s, nil
}

// MarkInflight transitions a slot from OWNED to INFLIGHT after submit.
func (p *SlotPool) MarkInflight(s *RequestSlot) { atomic.StoreInt32(&s.state, slotInflight) }

// MarkOrphaned transitions a slot from INFLIGHT to ORPHANED after a timed
// wait gives up on it; the slot is not returned to the free list, so its cid
// cannot be reused until a belated CQE eventually drains it.
func (p *SlotPool) MarkOrphaned(s *RequestSlot) { atomic.StoreInt32(&s.state, slotOrphaned) }

// Release returns s to the free list, whether it completed normally, is
// being drained out of ORPHANED by a belated CQE, or is still OWNED because
// its command was never submitted. A slot that is already FREE is left
// alone: a belated or duplicate completion naming a cid that was already
// recycled must not double-push the stack or over-release the semaphore.
func (p *SlotPool) Release(s *RequestSlot) {
	if !atomic.CompareAndSwapInt32(&s.state, slotInflight, slotFree) &&
		!atomic.CompareAndSwapInt32(&s.state, slotOrphaned, slotFree) &&
		!atomic.CompareAndSwapInt32(&s.state, slotOwned, slotFree) {
		return
	}
	p.push(s)
	p.sema.Release(1)
}

// BySlot looks up the slot owning cid. Valid for cid in [0, depth-1).
func (p *SlotPool) BySlot(cid uint16) *RequestSlot { return &p.slots[cid] }

// Outstanding reports how many slots are not FREE (OWNED+INFLIGHT+ORPHANED).
func (p *SlotPool) Outstanding() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state32() != slotFree {
			n++
		}
	}
	return n
}

// HasOrphans reports whether any slot is ORPHANED, the condition that makes
// closing the owning queue pair a caller error.
func (p *SlotPool) HasOrphans() bool {
	for i := range p.slots {
		if p.slots[i].state32() == slotOrphaned {
			return true
		}
	}
	return false
}
