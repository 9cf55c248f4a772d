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
	"time"

	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
)

// MemoryMap describes the physical memory available to the allocator.
type MemoryMap struct {
	// PhysAllocBegin is the first physical address that may be handed out.
	PhysAllocBegin hostarch.PhysAddr

	// AvailableMemory is the number of bytes available from PhysAllocBegin.
	AvailableMemory uint64
}

// Opts configures an Allocator.
type Opts struct {
	// KernelZoneLimit is the physical address past which the kernel zone
	// does not extend. If zero, DefaultKernelZoneLimit is used.
	KernelZoneLimit hostarch.PhysAddr
}

// Allocator hands out blocks of physical frames from a fixed set of zones.
//
// Allocator is safe for concurrent use. Each zone has its own lock.
type Allocator struct {
	mem   *physmem.Memory
	zones [numZoneTypes]zone

	oomLog log.Logger
}

// Init lays out the zones described by mmap over mem and returns an
// Allocator whose zones are entirely free.
//
// The kernel zone covers [PhysAllocBegin, KernelZoneLimit) and the user zone
// covers the rest of available memory. The DMA zone is empty. Each zone
// reserves a page-aligned prefix of itself for frame metadata.
func Init(mmap MemoryMap, mem *physmem.Memory, opts Opts) (*Allocator, error) {
	limit := opts.KernelZoneLimit
	if limit == 0 {
		limit = DefaultKernelZoneLimit
	}
	begin, ok := hostarch.PageRoundUp(mmap.PhysAllocBegin)
	if !ok {
		return nil, fmt.Errorf("allocation start %v overflows: %w", mmap.PhysAllocBegin, linuxerr.EINVAL)
	}
	rawEnd, ok := hostarch.Addr(mmap.PhysAllocBegin).AddLength(mmap.AvailableMemory)
	if !ok {
		return nil, fmt.Errorf("memory map [%v, +%#x) overflows: %w", mmap.PhysAllocBegin, mmap.AvailableMemory, linuxerr.EINVAL)
	}
	end := hostarch.PageRoundDown(hostarch.PhysAddr(rawEnd))
	if end < begin {
		end = begin
	}
	limit = hostarch.PageRoundDown(limit)
	kernelEnd := min(end, max(begin, limit))

	if size := uint64(end - begin); size != 0 && (mem == nil || !mem.Contains(begin, size)) {
		return nil, fmt.Errorf("physical memory does not back [%v, %v): %w", begin, end, linuxerr.EINVAL)
	}

	a := &Allocator{
		mem:    mem,
		oomLog: log.BasicRateLimitedLogger(time.Minute),
	}
	bounds := [numZoneTypes][2]hostarch.PhysAddr{
		ZoneKernel: {begin, kernelEnd},
		ZoneUser:   {kernelEnd, end},
		ZoneDMA:    {end, end},
	}
	for t := ZoneType(0); t < numZoneTypes; t++ {
		z := &a.zones[t]
		if err := z.init(t, bounds[t][0], uint64(bounds[t][1]-bounds[t][0])); err != nil {
			return nil, err
		}
		log.Infof("buddy: %v zone [%v, %v): %d frames starting at %v", t, bounds[t][0], bounds[t][1], z.pages, z.dataBegin)
	}
	return a, nil
}

// Alloc returns the address of a free block of 2^order pages from the zone of
// type typ. The block is aligned to FrameSize(order). Its contents are
// unspecified.
//
// Alloc returns ENOMEM if the zone has no free block of at least that order.
func (a *Allocator) Alloc(order Order, typ ZoneType) (hostarch.PhysAddr, error) {
	if order > MaxOrder {
		return 0, fmt.Errorf("order %d exceeds maximum order %d: %w", order, MaxOrder, linuxerr.EINVAL)
	}
	if typ >= numZoneTypes {
		return 0, linuxerr.ENOMEM
	}
	z := &a.zones[typ]
	id, ok := z.alloc(order)
	if !ok {
		a.oomLog.Warningf("buddy: %v zone out of memory allocating order %d", typ, order)
		return 0, linuxerr.ENOMEM
	}
	return z.addrOf(id), nil
}

// AllocZero is equivalent to Alloc, but the returned block is zero-filled.
func (a *Allocator) AllocZero(order Order, typ ZoneType) (hostarch.PhysAddr, error) {
	addr, err := a.Alloc(order, typ)
	if err != nil {
		return 0, err
	}
	if err := a.mem.Zero(addr, FrameSize(order)); err != nil {
		a.Free(addr, order)
		return 0, err
	}
	return addr, nil
}

// Free returns a block previously returned by Alloc or AllocZero with the
// same order.
func (a *Allocator) Free(addr hostarch.PhysAddr, order Order) {
	z := a.zoneFor(addr)
	if z == nil {
		if checkInvariants {
			panic(fmt.Sprintf("free of %v, which belongs to no zone", addr))
		}
		log.Warningf("buddy: ignoring free of %v, which belongs to no zone", addr)
		return
	}
	if checkInvariants && !addr.IsPageAligned() {
		panic(fmt.Sprintf("free of unaligned address %v", addr))
	}
	z.free(z.idOf(addr), order)
}

func (a *Allocator) zoneFor(addr hostarch.PhysAddr) *zone {
	for t := range a.zones {
		if z := &a.zones[t]; z.contains(addr) {
			return z
		}
	}
	return nil
}

// Memory returns the physical memory backing a's zones.
func (a *Allocator) Memory() *physmem.Memory {
	return a.mem
}

// AllocatedPages returns the number of pages currently allocated across all
// zones.
func (a *Allocator) AllocatedPages() uint64 {
	var n uint64
	for t := range a.zones {
		z := &a.zones[t]
		z.mu.Lock()
		n += z.allocatedPages
		z.mu.Unlock()
	}
	return n
}

// ZoneStats describes the state of one zone.
type ZoneStats struct {
	Type ZoneType

	// Begin is the first address of the zone including its metadata
	// reserve. DataBegin is the address of its first allocatable frame.
	Begin     hostarch.PhysAddr
	DataBegin hostarch.PhysAddr

	Pages          uint64
	AllocatedPages uint64

	// FreeBlocks[o] is the number of free blocks of order o.
	FreeBlocks [MaxOrder + 1]uint64
}

// FreePages returns the number of free pages in the zone.
func (s *ZoneStats) FreePages() uint64 {
	var n uint64
	for o, c := range s.FreeBlocks {
		n += c << o
	}
	return n
}

// Stats returns a snapshot of every zone, ordered by ZoneType. The snapshot of
// each zone is consistent, but zones are visited one at a time.
func (a *Allocator) Stats() []ZoneStats {
	stats := make([]ZoneStats, 0, numZoneTypes)
	for t := range a.zones {
		stats = append(stats, a.zones[t].stats())
	}
	return stats
}
