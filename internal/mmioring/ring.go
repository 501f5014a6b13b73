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

// Package mmioring provides the low-level ring mechanics shared by an NVMe
// queue pair: a host-filled submission ring and doorbell, and a
// controller-filled completion ring with its phase-bit convention. It knows
// nothing about NVMe command formats — only fixed-size slots, wraparound,
// and doorbell MMIO writes.
//
// Submission is host-as-producer: the host writes a slot then rings the SQ
// doorbell with the new tail. Completion is controller-as-producer: the host
// polls a phase bit that the controller flips each time the ring wraps, then
// rings the CQ doorbell with the new head to release the slot back to the
// controller.
package mmioring

import (
	"sync/atomic"
	"unsafe"
)

// Doorbell is a single write-only MMIO doorbell register living at a byte
// offset inside a mapped controller BAR.
type Doorbell struct {
	bar    []byte
	offset uint32
}

// NewDoorbell returns a Doorbell at offset bytes into bar. bar must remain
// valid (mapped) for the doorbell's lifetime.
func NewDoorbell(bar []byte, offset uint32) Doorbell {
	return Doorbell{bar: bar, offset: offset}
}

// Ring writes value to the doorbell register. The store is atomic so it
// acts as the release barrier required before the controller observes a new
// tail or head value.
func (d Doorbell) Ring(value uint32) {
	p := (*uint32)(unsafe.Pointer(bytePtr(d.bar, d.offset)))
	atomic.StoreUint32(p, value)
}

// SubmissionRing is the producer side of a fixed-depth ring of fixed-size
// entries that the host fills and the controller drains.
type SubmissionRing struct {
	mem       []byte
	entrySize uint32
	depth     uint32
	tail      uint32
	db        Doorbell
}

// NewSubmissionRing wraps mem, a contiguous DMA-mapped region of at least
// depth*entrySize bytes, as a submission ring whose doorbell writes go to db.
func NewSubmissionRing(mem []byte, depth, entrySize uint32, db Doorbell) *SubmissionRing {
	return &SubmissionRing{mem: mem, entrySize: entrySize, depth: depth, db: db}
}

// Depth returns the number of entries the ring holds.
func (r *SubmissionRing) Depth() uint32 { return r.depth }

// Tail returns the current producer index, modulo depth.
func (r *SubmissionRing) Tail() uint32 { return r.tail }

// PeekSQE returns the entry at the current tail position for the caller to
// fill in place. It does not advance the ring or notify the controller;
// call AdvanceSQ once the entry is fully populated.
func (r *SubmissionRing) PeekSQE() []byte {
	off := r.tail * r.entrySize
	return r.mem[off : off+r.entrySize]
}

// AdvanceSQ makes the most recently filled entry visible to the controller:
// it advances the tail modulo depth and rings the SQ doorbell. The doorbell
// write is an atomic store, which serves as the write barrier the controller
// relies on to never observe a partially populated entry.
func (r *SubmissionRing) AdvanceSQ() {
	r.tail = (r.tail + 1) % r.depth
	r.db.Ring(r.tail)
}

// CompletionRing is the consumer side of a fixed-depth ring of fixed-size
// entries that the controller fills and the host drains. phaseOffset names
// the byte offset within one entry of the status word whose low bit is the
// phase tag; phase flips each time the ring wraps.
type CompletionRing struct {
	mem         []byte
	entrySize   uint32
	depth       uint32
	head        uint32
	phase       uint32
	phaseOffset uint32
	db          Doorbell
}

// NewCompletionRing wraps mem as a completion ring whose doorbell writes go
// to db. The ring starts expecting phase 1, matching a freshly created queue
// pair whose memory the controller has not yet written to.
func NewCompletionRing(mem []byte, depth, entrySize, phaseOffset uint32, db Doorbell) *CompletionRing {
	return &CompletionRing{mem: mem, entrySize: entrySize, depth: depth, phase: 1, phaseOffset: phaseOffset, db: db}
}

// Head returns the current consumer index, modulo depth.
func (r *CompletionRing) Head() uint32 { return r.head }

// PeekCQE reads the entry at the current head. If its phase bit does not
// match the ring's expected phase, the ring is empty and PeekCQE returns
// (nil, false) without touching the doorbell. Otherwise it returns the raw
// entry bytes; the caller must call AdvanceCQ once done with them.
func (r *CompletionRing) PeekCQE() ([]byte, bool) {
	off := r.head * r.entrySize
	entry := r.mem[off : off+r.entrySize]

	// sync/atomic has no 16-bit load: load the aligned 32-bit word holding
	// the status field and pick its half (little-endian).
	word := atomic.LoadUint32((*uint32)(unsafe.Pointer(bytePtr(entry, r.phaseOffset&^3))))
	status := uint16(word >> (8 * (r.phaseOffset & 3)))
	if status&1 != uint16(r.phase) {
		return nil, false
	}
	return entry, true
}

// AdvanceCQ releases the entry at the current head back to the controller:
// it advances head modulo depth, flips the expected phase on wraparound, and
// rings the CQ doorbell with the new head.
func (r *CompletionRing) AdvanceCQ() {
	r.head++
	if r.head == r.depth {
		r.head = 0
		r.phase ^= 1
	}
	r.db.Ring(r.head)
}

func bytePtr(b []byte, off uint32) *byte {
	_ = b[off] // bounds check
	return &b[off]
}
