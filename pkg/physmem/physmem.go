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

// Package physmem provides the byte-addressable backing store for a range of
// physical addresses.
//
// The store is a single anonymous host mapping. Physical address p maps to
// byte p-Base() of that mapping. Pages are committed lazily by the host, so a
// Memory may describe far more physical memory than is ever touched.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
)

// Memory is a contiguous range of simulated physical memory.
type Memory struct {
	base hostarch.PhysAddr
	data []byte
}

// New maps size bytes of zeroed memory backing physical addresses
// [base, base+size).
//
// Preconditions: base and size are page-aligned; size > 0.
func New(base hostarch.PhysAddr, size uint64) (*Memory, error) {
	if !base.IsPageAligned() || !hostarch.IsPageAligned(size) || size == 0 {
		return nil, fmt.Errorf("invalid physical range base=%v size=%#x: %w", base, size, linuxerr.EINVAL)
	}
	if _, ok := hostarch.Addr(base).AddLength(size); !ok {
		return nil, fmt.Errorf("physical range base=%v size=%#x overflows: %w", base, size, linuxerr.EINVAL)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %#x bytes of physical memory: %w", size, err)
	}
	return &Memory{
		base: base,
		data: data,
	}, nil
}

// Release unmaps the backing store. m must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the first physical address backed by m.
func (m *Memory) Base() hostarch.PhysAddr {
	return m.base
}

// Size returns the number of bytes backed by m.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// End returns the physical address just past the end of m.
func (m *Memory) End() hostarch.PhysAddr {
	return m.base + hostarch.PhysAddr(len(m.data))
}

// Contains returns true if [addr, addr+length) is backed by m.
func (m *Memory) Contains(addr hostarch.PhysAddr, length uint64) bool {
	if addr < m.base {
		return false
	}
	off := uint64(addr - m.base)
	return off <= m.Size() && length <= m.Size()-off
}

// Slice returns the bytes backing [addr, addr+length). The returned slice
// aliases m and remains valid until Release.
func (m *Memory) Slice(addr hostarch.PhysAddr, length uint64) ([]byte, error) {
	if !m.Contains(addr, length) {
		return nil, fmt.Errorf("physical range [%v, +%#x) outside of [%v, %v): %w", addr, length, m.base, m.End(), linuxerr.EFAULT)
	}
	off := uint64(addr - m.base)
	return m.data[off : off+length : off+length], nil
}

// Page returns the bytes of the page starting at addr.
func (m *Memory) Page(addr hostarch.PhysAddr) ([]byte, error) {
	if !addr.IsPageAligned() {
		return nil, fmt.Errorf("unaligned page address %v: %w", addr, linuxerr.EINVAL)
	}
	return m.Slice(addr, hostarch.PageSize)
}

// Zero zero-fills [addr, addr+length).
func (m *Memory) Zero(addr hostarch.PhysAddr, length uint64) error {
	bs, err := m.Slice(addr, length)
	if err != nil {
		return err
	}
	clear(bs)
	return nil
}
