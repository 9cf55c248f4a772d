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

// Package buddy implements the physical frame allocator.
//
// Physical memory is divided into zones, one per ZoneType. Each zone hands
// out blocks of 2^order contiguous pages. A block that is larger than
// requested is split in two halves (buddies) until it reaches the requested
// order; a freed block is merged back with its buddy for as long as the buddy
// is free and of the same order.
//
// Frame metadata lives in a flat per-zone array indexed by frame id. Free
// lists are circular doubly-linked lists threaded through that array by id,
// so linking and unlinking never allocates.
//
// Lock order:
//
//	mm.MemSpace.mu
//	  zone.mu
package buddy

import (
	"fmt"

	"kmem.dev/kmem/pkg/hostarch"
)

// Order is the binary log of a block size in pages.
type Order uint8

// MaxOrder is the largest order a block can have.
const MaxOrder Order = 17

// FrameSize returns the size in bytes of a block of the given order.
func FrameSize(order Order) uint64 {
	return hostarch.PageSize << order
}

// Pages returns the number of pages in a block of order o.
func (o Order) Pages() uint64 {
	return 1 << o
}

// OrderFor returns the smallest order whose blocks hold at least pages pages.
func OrderFor(pages uint64) Order {
	var order Order
	for i := uint64(1); i < pages; i *= 2 {
		order++
	}
	return order
}

// ZoneType identifies the intended use of a zone.
type ZoneType uint8

const (
	// ZoneUser holds pages backing user mappings.
	ZoneUser ZoneType = iota

	// ZoneKernel holds pages used by the kernel itself. It is bounded by
	// Opts.KernelZoneLimit.
	ZoneKernel

	// ZoneDMA is reserved for devices. It is currently always empty.
	ZoneDMA

	numZoneTypes
)

// String implements fmt.Stringer.String.
func (t ZoneType) String() string {
	switch t {
	case ZoneUser:
		return "user"
	case ZoneKernel:
		return "kernel"
	case ZoneDMA:
		return "dma"
	default:
		return fmt.Sprintf("ZoneType(%d)", uint8(t))
	}
}

// ParseZoneType returns the ZoneType named by s.
func ParseZoneType(s string) (ZoneType, error) {
	for t := ZoneType(0); t < numZoneTypes; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown zone type %q", s)
}

// DefaultKernelZoneLimit is the physical address past which the kernel zone
// never extends.
const DefaultKernelZoneLimit hostarch.PhysAddr = 0x40000000
