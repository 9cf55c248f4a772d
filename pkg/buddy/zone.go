// Copyright 2026 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buddy

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"kmem.dev/kmem/pkg/hostarch"
)

// frameID indexes a zone's frame array.
type frameID uint32

const (
	// noFrame is the head of an empty free list.
	noFrame frameID = math.MaxUint32

	// usedFrame in frame.prev marks a frame that is not linked into any
	// free list: either allocated or covered by a larger free block.
	usedFrame frameID = math.MaxUint32 - 1

	// maxZonePages bounds the number of frames so that no valid id collides
	// with a sentinel.
	maxZonePages = uint64(usedFrame)
)

// frame is the metadata for one page of a zone.
//
// Only the first frame of a free block is linked into a free list; its order
// is the order of the whole block. All other frames of a free block are
// marked used.
type frame struct {
	order Order
	prev  frameID
	next  frameID
}

func (f *frame) isFree() bool {
	return f.prev != usedFrame
}

func (f *frame) markUsed() {
	f.prev = usedFrame
	f.next = usedFrame
}

// frameMetadataSize is the number of bytes of zone metadata per page.
const frameMetadataSize = uint64(unsafe.Sizeof(frame{}))

// zone is a contiguous run of physical memory managed by one set of free
// lists.
type zone struct {
	typ ZoneType

	// begin is the first physical address of the zone, including the
	// metadata reserve. dataBegin is the address of frame 0.
	begin     hostarch.PhysAddr
	dataBegin hostarch.PhysAddr

	// firstPFN is the page frame number of frame 0. Buddies are computed on
	// absolute frame numbers so that a block of order o is always aligned to
	// FrameSize(o) in physical memory.
	firstPFN uint64

	// pages is immutable after init.
	pages uint64

	mu sync.Mutex

	// frames has one entry per page. Protected by mu.
	frames []frame

	// freeList[o] is the id of one free block of order o, or noFrame.
	// Protected by mu.
	freeList [MaxOrder + 1]frameID

	// allocatedPages is the number of pages in allocated blocks. Protected
	// by mu.
	allocatedPages uint64
}

// zoneLayout returns the number of usable pages and the size of the metadata
// reserve for a zone spanning size bytes.
func zoneLayout(size uint64) (pages, metaBytes uint64) {
	pages = size / (hostarch.PageSize + frameMetadataSize)
	for pages > 0 {
		metaBytes, _ = hostarch.PageRoundUp(pages * frameMetadataSize)
		if metaBytes+hostarch.PagesToBytes(pages) <= size {
			break
		}
		pages--
	}
	if pages == 0 {
		metaBytes = 0
	}
	return pages, metaBytes
}

// init prepares z to manage [begin, begin+size). begin and size must be
// page-aligned. The zone starts out entirely free.
func (z *zone) init(typ ZoneType, begin hostarch.PhysAddr, size uint64) error {
	pages, metaBytes := zoneLayout(size)
	if pages > maxZonePages {
		return fmt.Errorf("%v zone at %v has %d pages, more than the maximum of %d", typ, begin, pages, maxZonePages)
	}
	z.typ = typ
	z.begin = begin
	z.dataBegin = begin + hostarch.PhysAddr(metaBytes)
	z.firstPFN = z.dataBegin.PageNumber()
	z.pages = pages
	z.frames = make([]frame, pages)
	for o := range z.freeList {
		z.freeList[o] = noFrame
	}
	for i := range z.frames {
		z.frames[i].markUsed()
	}
	z.allocatedPages = 0

	// Carve the zone into the largest aligned blocks that fit.
	for id := uint64(0); id < pages; {
		pfn := z.firstPFN + id
		o := MaxOrder
		for o > 0 && (pfn&(o.Pages()-1) != 0 || id+o.Pages() > pages) {
			o--
		}
		z.link(frameID(id), o)
		id += o.Pages()
	}
	return nil
}

// end returns the physical address just past the last frame of z.
func (z *zone) end() hostarch.PhysAddr {
	return z.dataBegin + hostarch.PhysAddr(hostarch.PagesToBytes(z.pages))
}

// contains returns true if addr lies within one of z's frames.
func (z *zone) contains(addr hostarch.PhysAddr) bool {
	return addr >= z.dataBegin && addr < z.end()
}

func (z *zone) addrOf(id frameID) hostarch.PhysAddr {
	return z.dataBegin + hostarch.PhysAddr(hostarch.PagesToBytes(uint64(id)))
}

func (z *zone) idOf(addr hostarch.PhysAddr) frameID {
	return frameID(addr.PageNumber() - z.firstPFN)
}

// buddyOf returns the buddy of the order-o block starting at id. ok is false
// if the buddy lies outside of the zone.
func (z *zone) buddyOf(id frameID, o Order) (frameID, bool) {
	pfn := (z.firstPFN + uint64(id)) ^ o.Pages()
	if pfn < z.firstPFN || pfn >= z.firstPFN+z.pages {
		return 0, false
	}
	return frameID(pfn - z.firstPFN), true
}

// link inserts the block at id into freeList[o].
//
// Preconditions: z.mu is locked or z is not yet shared. The block is not
// linked.
func (z *zone) link(id frameID, o Order) {
	f := &z.frames[id]
	f.order = o
	head := z.freeList[o]
	if head == noFrame {
		f.prev = id
		f.next = id
		z.freeList[o] = id
		return
	}
	// Insert before head, i.e. at the tail of the circular list.
	h := &z.frames[head]
	tail := h.prev
	f.prev = tail
	f.next = head
	z.frames[tail].next = id
	h.prev = id
}

// unlink removes the block at id from its free list and marks it used.
//
// Preconditions: z.mu is locked. The block is linked.
func (z *zone) unlink(id frameID) {
	f := &z.frames[id]
	o := f.order
	if f.next == id {
		// Sole element.
		z.freeList[o] = noFrame
	} else {
		z.frames[f.prev].next = f.next
		z.frames[f.next].prev = f.prev
		if z.freeList[o] == id {
			z.freeList[o] = f.next
		}
	}
	f.markUsed()
}

// alloc removes a block of the given order from z, splitting a larger block
// if needed. ok is false if no block of at least that order is free.
func (z *zone) alloc(order Order) (id frameID, ok bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	for o := order; o <= MaxOrder; o++ {
		id = z.freeList[o]
		if id == noFrame {
			continue
		}
		z.unlink(id)
		f := &z.frames[id]
		f.order = o
		for f.order > order {
			f.order--
			// A linked block lies entirely within the zone, so both halves
			// do too.
			b, _ := z.buddyOf(id, f.order)
			z.link(b, f.order)
		}
		z.allocatedPages += order.Pages()
		return id, true
	}
	return noFrame, false
}

// free returns the order-order block at id to z, merging it with free
// buddies.
func (z *zone) free(id frameID, order Order) {
	z.mu.Lock()
	defer z.mu.Unlock()

	f := &z.frames[id]
	if checkInvariants {
		if f.isFree() {
			panic(fmt.Sprintf("double free of %v order %d in %v zone", z.addrOf(id), order, z.typ))
		}
		if f.order != order {
			panic(fmt.Sprintf("free of %v with order %d, allocated with order %d", z.addrOf(id), order, f.order))
		}
		if (z.firstPFN+uint64(id))&(order.Pages()-1) != 0 {
			panic(fmt.Sprintf("free of misaligned block %v order %d", z.addrOf(id), order))
		}
	}
	z.allocatedPages -= order.Pages()

	o := order
	for o < MaxOrder {
		b, ok := z.buddyOf(id, o)
		if !ok {
			break
		}
		bf := &z.frames[b]
		if !bf.isFree() || bf.order != o {
			break
		}
		z.unlink(b)
		// The merged block starts at the lower of the two; the other head
		// is now covered and stays marked used.
		if b < id {
			id = b
		}
		o++
	}
	z.link(id, o)
}

// stats returns a consistent snapshot of z.
func (z *zone) stats() ZoneStats {
	z.mu.Lock()
	defer z.mu.Unlock()
	return ZoneStats{
		Type:           z.typ,
		Begin:          z.begin,
		DataBegin:      z.dataBegin,
		Pages:          z.pages,
		AllocatedPages: z.allocatedPages,
		FreeBlocks:     z.freeBlocksLocked(),
	}
}

// freeBlocksLocked returns the number of free blocks of each order.
//
// Preconditions: z.mu is locked.
func (z *zone) freeBlocksLocked() [MaxOrder + 1]uint64 {
	var counts [MaxOrder + 1]uint64
	for o, head := range z.freeList {
		if head == noFrame {
			continue
		}
		id := head
		for {
			counts[o]++
			id = z.frames[id].next
			if id == head {
				break
			}
		}
	}
	return counts
}
