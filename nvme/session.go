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
	"log"
	"sync"
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/vfnio/vfn/iommu"
	"github.com/vfnio/vfn/vfnerr"
)

const (
	adminCommandTimeout  = 5 * time.Second
	dispatchIdleInterval = 100 * time.Microsecond
)

// Controller owns the admin queue pair and zero or more I/O queue pairs for
// one NVMe controller, plus the controller's BAR and the IOMMU context those
// queue pairs' rings are mapped through. Binding the controller's PCI
// function, deriving its BAR pointer, and reading CAP.DSTRD are external
// concerns (see iommu.Backend); Controller takes them as already-known
// inputs.
type Controller struct {
	bar            []byte
	doorbellStride uint32
	pageSize       uint64
	ctx            *iommu.Context

	admin    *QueuePair
	ioQueues map[uint16]*QueuePair

	mu         sync.Mutex
	waiters    map[uint16]chan CQE
	aerCID     uint16
	aerActive  bool
	aerHandler func(CQE)

	stopCh chan struct{}
}

// NewController builds the admin queue pair, maps its SQ/CQ rings through
// ctx, and starts the controller's single completion-dispatch loop. The
// caller is responsible for having already programmed AQA/ASQ/ACQ (or, for
// a real device, relying on a CREATE_IO_SQ/CQ-equivalent bring-up sequence)
// with the IOVAs NewController returns.
func NewController(bar []byte, dstrd uint32, ctx *iommu.Context, pageSize uint64, adminDepth uint32, prpListCap int) (*Controller, uint64, uint64, error) {
	const op = "nvme.NewController"

	admin := NewQueuePair(QueuePairConfig{
		ID:             0,
		SQDepth:        adminDepth,
		CQDepth:        adminDepth,
		BAR:            bar,
		DoorbellStride: 4 << dstrd,
		PageSize:       pageSize,
		PRPListCap:     prpListCap,
	})

	sqIOVA, err := ctx.Map(vaddrOf(admin.SQMem()), uint64(len(admin.SQMem())))
	if err != nil {
		return nil, 0, 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	cqIOVA, err := ctx.Map(vaddrOf(admin.CQMem()), uint64(len(admin.CQMem())))
	if err != nil {
		_ = ctx.Unmap(vaddrOf(admin.SQMem()))
		return nil, 0, 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	c := &Controller{
		bar:            bar,
		doorbellStride: 4 << dstrd,
		pageSize:       pageSize,
		ctx:            ctx,
		admin:          admin,
		ioQueues:       make(map[uint16]*QueuePair),
		waiters:        make(map[uint16]chan CQE),
		stopCh:         make(chan struct{}),
	}
	go c.dispatchLoop()

	return c, sqIOVA, cqIOVA, nil
}

func vaddrOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// dispatchLoop is the controller's sole reader of the admin CQ ring: one-shot
// Admin() calls and the standing AER registration share it, so a one-shot
// call can never race a background AER poll for the same ring.
func (c *Controller) dispatchLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		cqe, ok := c.admin.PollOne()
		if !ok {
			select {
			case <-c.stopCh:
				return
			case <-time.After(dispatchIdleInterval):
			}
			continue
		}
		c.dispatch(cqe)
	}
}

// dispatch hands a completion to whichever of waiters/AER registered the
// matching cid and returns its slot to the free list. The slot is released
// here, not by the receiver, so a one-shot Admin() call and the AER path
// recycle identically regardless of which one is waiting.
func (c *Controller) dispatch(cqe CQE) {
	cid := cqe.CID()

	c.mu.Lock()
	ch, waiting := c.waiters[cid]
	if waiting {
		delete(c.waiters, cid)
	}
	isAER := c.aerActive && cid == c.aerCID
	handler := c.aerHandler
	if isAER {
		c.aerActive = false
	}
	c.mu.Unlock()

	switch {
	case waiting:
		c.admin.pool.Release(c.admin.pool.BySlot(cid))
		ch <- cqe
	case isAER:
		c.admin.pool.Release(c.admin.pool.BySlot(cid))
		if handler != nil {
			handler(cqe)
		}
	default:
		// A belated CQE for a timed-out Admin() call drains its ORPHANED slot.
		if int(cid) < len(c.admin.pool.slots) {
			if s := c.admin.pool.BySlot(cid); s.state32() == slotOrphaned {
				c.admin.pool.Release(s)
				return
			}
		}
		log.Printf("nvme: spurious admin completion cid=%d, dropping", cid)
	}
}

// Admin is the one-shot admin command helper: acquire a slot, optionally map
// buf ephemeral for DMA, submit, wait for the matching completion via the
// dispatch loop, then unmap. Errors from any step bubble up with the
// original cause preserved; failure partway through still attempts the
// ephemeral unmap so the allocator's watermark bookkeeping stays correct.
func (c *Controller) Admin(opcode byte, nsid uint32, buf []byte, fill func(SQE)) (CQE, error) {
	const op = "nvme.Controller.Admin"

	slot, err := c.admin.AcquireRQ()
	if err != nil {
		return nil, err
	}

	var iovaAddr uint64
	if len(buf) > 0 {
		iovaAddr, err = c.ctx.MapEphemeral(vaddrOf(buf), uint64(len(buf)))
		if err != nil {
			c.admin.pool.Release(slot)
			return nil, err
		}
		// Check the PRP layout before anything reaches the ring, so a
		// TooLarge failure is returned instead of submitted.
		if err := MapPRP(slot, NewSQE(make([]byte, SQESize)), iovaAddr, uint64(len(buf)), c.pageSize); err != nil {
			_ = c.ctx.UnmapEphemeral(iovaAddr, uint64(len(buf)))
			c.admin.pool.Release(slot)
			return nil, err
		}
	}

	ch := make(chan CQE, 1)
	c.mu.Lock()
	c.waiters[slot.CID()] = ch
	c.mu.Unlock()

	c.admin.Submit(slot, func(sqe SQE) {
		sqe.SetOpcode(opcode)
		sqe.SetNSID(nsid)
		if len(buf) > 0 {
			_ = MapPRP(slot, sqe, iovaAddr, uint64(len(buf)), c.pageSize)
		}
		if fill != nil {
			fill(sqe)
		}
	})

	var cqe CQE
	select {
	case cqe = <-ch:
	case <-time.After(adminCommandTimeout):
		c.mu.Lock()
		delete(c.waiters, slot.CID())
		c.mu.Unlock()
		c.admin.pool.MarkOrphaned(slot)
		if len(buf) > 0 {
			_ = c.ctx.UnmapEphemeral(iovaAddr, uint64(len(buf)))
		}
		return nil, vfnerr.New(op, vfnerr.Timeout, "admin command timed out waiting for completion")
	}

	if len(buf) > 0 {
		if err := c.ctx.UnmapEphemeral(iovaAddr, uint64(len(buf))); err != nil {
			return cqe, err
		}
	}
	if cqe.StatusField() != 0 {
		return cqe, vfnerr.WrapDevice(op, cqe.StatusField())
	}
	return cqe, nil
}

// IdentifyController issues an Identify Controller admin command. The
// 4096-byte payload buffer is an mcache bounce buffer: short-lived,
// fixed-size, and returned to the pool the moment the decode is done.
func (c *Controller) IdentifyController() (ControllerInfo, error) {
	buf := mcache.Malloc(4096)
	defer mcache.Free(buf)
	_, err := c.Admin(OpIdentify, 0, buf, func(sqe SQE) { sqe.SetCDW(10, CNSController) })
	if err != nil {
		return ControllerInfo{}, err
	}
	return DecodeControllerInfo(buf, c.pageSize), nil
}

// IdentifyNamespace issues an Identify Namespace admin command for nsid.
func (c *Controller) IdentifyNamespace(nsid uint32) (NamespaceInfo, error) {
	buf := mcache.Malloc(4096)
	defer mcache.Free(buf)
	_, err := c.Admin(OpIdentify, nsid, buf, func(sqe SQE) { sqe.SetCDW(10, CNSNamespace) })
	if err != nil {
		return NamespaceInfo{}, err
	}
	return DecodeNamespaceInfo(buf), nil
}

// SubmitAER arms an Asynchronous Event Request. Its slot is submitted and
// immediately marked ORPHANED, since an AER has no scheduled completion; the
// slot still holds one of the admin pool's request slots, so it counts
// against AcquireRQ's in-flight ceiling until its CQE arrives. handler runs
// on the dispatch loop goroutine whenever the matching CQE eventually arrives; the caller must
// not block inside it.
func (c *Controller) SubmitAER(handler func(CQE)) error {
	slot, err := c.admin.AcquireRQ()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.aerCID = slot.CID()
	c.aerHandler = handler
	c.aerActive = true
	c.mu.Unlock()

	c.admin.Submit(slot, func(sqe SQE) { sqe.SetOpcode(OpAsyncEventReq) })
	c.admin.pool.MarkOrphaned(slot)
	return nil
}

// AddIOQueuePair creates and maps an I/O queue pair with the given queue ID.
// The caller is responsible for the CREATE_IO_CQ/CREATE_IO_SQ admin round
// trip using the returned IOVAs; AddIOQueuePair only does the DMA mapping
// and bookkeeping.
func (c *Controller) AddIOQueuePair(id uint16, sqDepth, cqDepth uint32, prpListCap int) (*QueuePair, uint64, uint64, error) {
	const op = "nvme.Controller.AddIOQueuePair"

	qp := NewQueuePair(QueuePairConfig{
		ID:             id,
		SQDepth:        sqDepth,
		CQDepth:        cqDepth,
		BAR:            c.bar,
		DoorbellStride: c.doorbellStride,
		PageSize:       c.pageSize,
		PRPListCap:     prpListCap,
	})

	sqIOVA, err := c.ctx.Map(vaddrOf(qp.SQMem()), uint64(len(qp.SQMem())))
	if err != nil {
		return nil, 0, 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}
	cqIOVA, err := c.ctx.Map(vaddrOf(qp.CQMem()), uint64(len(qp.CQMem())))
	if err != nil {
		_ = c.ctx.Unmap(vaddrOf(qp.SQMem()))
		return nil, 0, 0, vfnerr.Wrap(op, vfnerr.BackendError, err)
	}

	c.mu.Lock()
	c.ioQueues[id] = qp
	c.mu.Unlock()

	return qp, sqIOVA, cqIOVA, nil
}

// AdminQueuePair exposes the admin queue pair's rings, mainly so callers
// driving a simulated or test controller can inspect submissions and post
// completions directly.
func (c *Controller) AdminQueuePair() *QueuePair { return c.admin }

// IOQueuePair returns a previously added I/O queue pair by ID.
func (c *Controller) IOQueuePair(id uint16) (*QueuePair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qp, ok := c.ioQueues[id]
	return qp, ok
}

// Close stops the dispatch loop, closes every queue pair (failing with Busy
// if any still has ORPHANED slots — the caller must reset the controller
// first, which implicitly drains them), and unmaps the admin ring memory.
func (c *Controller) Close() error {
	close(c.stopCh)

	var firstErr error
	for _, qp := range c.ioQueues {
		if err := qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.admin.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.ctx.Unmap(vaddrOf(c.admin.SQMem())); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.ctx.Unmap(vaddrOf(c.admin.CQMem())); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
