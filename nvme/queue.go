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
	"log"
	"sync"
	"time"

	"github.com/vfnio/vfn/internal/mmioring"
	"github.com/vfnio/vfn/vfnerr"
)

// QueuePairConfig describes one submission/completion queue pair as it sits
// on the controller's BAR.
type QueuePairConfig struct {
	// ID is the queue identifier; 0 names the admin queue pair.
	ID uint16
	// SQDepth and CQDepth are the ring depths in entries.
	SQDepth, CQDepth uint32
	// BAR is the controller's memory-mapped register region.
	BAR []byte
	// DoorbellStride is 4 << CAP.DSTRD, bytes between adjacent doorbell
	// registers: queue n's SQ tail doorbell is at 0x1000 + 2n*stride and its
	// CQ head doorbell one stride after it.
	DoorbellStride uint32
	// PageSize is the host page size used for PRP assembly.
	PageSize uint64
	// PRPListCap is the per-slot PRP list scratch buffer size in bytes.
	PRPListCap int
}

func doorbellOffset(queueID uint16, stride uint32, completion bool) uint32 {
	n := uint32(queueID) * 2
	if completion {
		n++
	}
	return 0x1000 + n*stride
}

// QueuePair is one SQ/CQ ring pair with its own request-slot pool. It is the
// performance core: commands flow in through Submit, results flow out
// through PollOne/WaitOne.
type QueuePair struct {
	id       uint16
	sq       *mmioring.SubmissionRing
	cq       *mmioring.CompletionRing
	sqMem    []byte
	cqMem    []byte
	pool     *SlotPool
	pageSize uint64

	// submitMu serializes the ring write + doorbell ring of Submit itself.
	// Entries from different callers land on the ring in the order those
	// callers acquire submitMu, not the order their slots were acquired
	// from the pool.
	submitMu sync.Mutex
}

// NewQueuePair allocates the SQ/CQ backing memory and a slot pool sized to
// cfg.SQDepth - 1. The caller is responsible for getting sqMem/cqMem's IOVAs
// installed with the controller (via CREATE_IO_SQ/CREATE_IO_CQ or, for the
// admin queue pair, AQA/ASQ/ACQ) before any command is submitted; SQMem and
// CQMem expose the backing buffers for that purpose.
func NewQueuePair(cfg QueuePairConfig) *QueuePair {
	// Ring memory must start zeroed: the host reads CQ phase bits before the
	// controller has written anything. Each ring is rounded up to whole pages
	// so it can be mapped as a sticky IOVA region.
	sqLen := int(cfg.SQDepth) * SQESize
	cqLen := int(cfg.CQDepth) * CQESize
	if ps := int(cfg.PageSize); ps > 0 {
		sqLen = (sqLen + ps - 1) / ps * ps
		cqLen = (cqLen + ps - 1) / ps * ps
	}
	sqMem := make([]byte, sqLen)
	cqMem := make([]byte, cqLen)

	sqDB := mmioring.NewDoorbell(cfg.BAR, doorbellOffset(cfg.ID, cfg.DoorbellStride, false))
	cqDB := mmioring.NewDoorbell(cfg.BAR, doorbellOffset(cfg.ID, cfg.DoorbellStride, true))

	return &QueuePair{
		id:       cfg.ID,
		sq:       mmioring.NewSubmissionRing(sqMem, cfg.SQDepth, SQESize, sqDB),
		cq:       mmioring.NewCompletionRing(cqMem, cfg.CQDepth, CQESize, cqeStatusOffset, cqDB),
		sqMem:    sqMem,
		cqMem:    cqMem,
		pool:     NewSlotPool(cfg.SQDepth, cfg.PRPListCap),
		pageSize: cfg.PageSize,
	}
}

// SQMem and CQMem expose the ring backing memory so the owning session can
// install DMA mappings for them before the queue pair is usable.
func (q *QueuePair) SQMem() []byte { return q.sqMem }
func (q *QueuePair) CQMem() []byte { return q.cqMem }

// ID returns the queue pair's queue identifier.
func (q *QueuePair) ID() uint16 { return q.id }

// SetSlotPRPListIOVA records where slot cid's PRP list buffer was mapped.
// Neither NewQueuePair nor Controller maps the PRP list buffers or calls
// this; until a caller does, the slot's PRP list IOVA is 0 and MapPRP
// writes 0 into PRP2 for transfers larger than two pages.
func (q *QueuePair) SetSlotPRPListIOVA(cid uint16, iovaAddr uint64) {
	q.pool.BySlot(cid).setPRPListIOVA(iovaAddr)
}

// AcquireRQ pops a free slot, failing with Busy if none is available.
func (q *QueuePair) AcquireRQ() (*RequestSlot, error) { return q.pool.AcquireRQ() }

// AcquireRQWait blocks until a slot is free or ctx ends.
func (q *QueuePair) AcquireRQWait(ctx context.Context) (*RequestSlot, error) {
	return q.pool.AcquireRQWait(ctx)
}

// Submit stamps slot's cid into the entry returned by fill, writes it into
// the SQ ring, and rings the SQ doorbell. fill must not retain the SQE past
// the call.
func (q *QueuePair) Submit(slot *RequestSlot, fill func(sqe SQE)) {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	sqe := NewSQE(q.sq.PeekSQE())
	fill(sqe)
	sqe.SetCID(slot.cid)
	q.sq.AdvanceSQ()
	q.pool.MarkInflight(slot)
}

// PollOne reads one completion without blocking. It returns (nil, false)
// without touching the doorbell if the ring is empty.
func (q *QueuePair) PollOne() (CQE, bool) {
	entry, ok := q.cq.PeekCQE()
	if !ok {
		return nil, false
	}
	cqe := CQE(entry).Clone()
	q.cq.AdvanceCQ()
	return cqe, true
}

// WaitOne spins on PollOne until a CQE matching slot's cid arrives or
// timeout elapses. A CQE for a different cid is a spurious completion: it is
// logged, the underlying slot is released (covering the belated-orphan
// drain case), and polling continues. timeout == 0 with no CQE immediately
// available fails with Timeout without spinning.
func (q *QueuePair) WaitOne(slot *RequestSlot, timeout time.Duration) (CQE, error) {
	const op = "nvme.QueuePair.WaitOne"

	deadline := time.Now().Add(timeout)
	for {
		cqe, ok := q.PollOne()
		if ok {
			if cqe.CID() == slot.cid {
				q.pool.Release(slot)
				return cqe, nil
			}
			log.Printf("nvme: spurious completion cid=%d while waiting for cid=%d, ignoring", cqe.CID(), slot.cid)
			q.drainSpurious(cqe)
			continue
		}
		if !time.Now().Before(deadline) {
			q.pool.MarkOrphaned(slot)
			return nil, vfnerr.New(op, vfnerr.Timeout, "no matching completion before deadline")
		}
	}
}

// drainSpurious returns the slot matching a completion that wasn't the one
// being waited for back to the free list — covering both an ordinary
// out-of-order completion and a belated CQE landing on a previously
// ORPHANED slot. Release itself is the guard against a cid that names an
// already-FREE slot, so a duplicate CQE for a recycled cid here is a no-op
// rather than pool corruption.
func (q *QueuePair) drainSpurious(cqe CQE) {
	q.pool.Release(q.pool.BySlot(cqe.CID()))
}

// Outstanding reports the number of slots not currently FREE.
func (q *QueuePair) Outstanding() int { return q.pool.Outstanding() }

// HasOrphans reports whether any slot is ORPHANED; Close refuses while true.
func (q *QueuePair) HasOrphans() bool { return q.pool.HasOrphans() }

// Close releases the queue pair. Closing while slots remain ORPHANED is a
// caller error: the controller must first be reset, which implicitly drains
// every orphan.
func (q *QueuePair) Close() error {
	const op = "nvme.QueuePair.Close"
	if q.pool.HasOrphans() {
		return vfnerr.New(op, vfnerr.Busy, "queue pair has orphaned slots; reset the controller first")
	}
	return nil
}
