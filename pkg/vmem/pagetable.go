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

// Package vmem provides a software page table over simulated physical memory
// and transactional edits to it.
//
// A PageTable maps page-aligned virtual addresses to physical pages with a
// set of hardware Flags. Memory accesses through the table honour FlagWrite;
// a Transaction may bypass it to fill pages that are mapped read-only.
//
// PageTable is not synchronized. Callers serialize access, typically with the
// address space lock.
package vmem

import (
	"fmt"
	"sort"
	"strings"

	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
)

// Flags are hardware page table entry flags.
type Flags uint8

const (
	// FlagWrite permits writes through the entry.
	FlagWrite Flags = 1 << iota

	// FlagUser permits user-mode access.
	FlagUser

	// FlagNoExec forbids instruction fetches.
	FlagNoExec
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var parts []string
	if f&FlagWrite != 0 {
		parts = append(parts, "w")
	}
	if f&FlagUser != 0 {
		parts = append(parts, "u")
	}
	if f&FlagNoExec != 0 {
		parts = append(parts, "nx")
	}
	if rest := f &^ (FlagWrite | FlagUser | FlagNoExec); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// CopyBuffer is a virtual address reserved for temporary mappings, used to
// copy the contents of one physical page into another.
const CopyBuffer = ^hostarch.Addr(0) &^ hostarch.PageMask

type pte struct {
	phys  hostarch.PhysAddr
	flags Flags
}

// Entry describes one mapped page.
type Entry struct {
	Virt  hostarch.Addr
	Phys  hostarch.PhysAddr
	Flags Flags
}

// PageTable is a single-level software page table.
type PageTable struct {
	mem     *physmem.Memory
	entries map[hostarch.Addr]pte
}

// New returns an empty PageTable whose entries point into mem.
func New(mem *physmem.Memory) *PageTable {
	return &PageTable{
		mem:     mem,
		entries: make(map[hostarch.Addr]pte),
	}
}

// Translate returns the physical address and flags for virt. ok is false if
// the page containing virt is not mapped.
func (p *PageTable) Translate(virt hostarch.Addr) (phys hostarch.PhysAddr, flags Flags, ok bool) {
	e, ok := p.entries[virt.RoundDown()]
	if !ok {
		return 0, 0, false
	}
	return e.phys + hostarch.PhysAddr(virt.PageOffset()), e.flags, true
}

// Len returns the number of mapped pages.
func (p *PageTable) Len() int {
	return len(p.entries)
}

// Entries returns every mapped page in ascending virtual address order.
func (p *PageTable) Entries() []Entry {
	es := make([]Entry, 0, len(p.entries))
	for virt, e := range p.entries {
		es = append(es, Entry{Virt: virt, Phys: e.phys, Flags: e.flags})
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Virt < es[j].Virt })
	return es
}

// Read copies len(dst) bytes starting at virt into dst. It returns the number
// of bytes copied and EFAULT if it reaches an unmapped page.
func (p *PageTable) Read(virt hostarch.Addr, dst []byte) (int, error) {
	return p.access(virt, dst, false, func(mem, buf []byte) { copy(buf, mem) })
}

// Write copies src to memory starting at virt. It returns the number of bytes
// copied and EFAULT if it reaches a page that is unmapped or not writable.
func (p *PageTable) Write(virt hostarch.Addr, src []byte) (int, error) {
	return p.access(virt, src, true, func(mem, buf []byte) { copy(mem, buf) })
}

// writeForce is equivalent to Write, but ignores FlagWrite.
func (p *PageTable) writeForce(virt hostarch.Addr, src []byte) (int, error) {
	return p.access(virt, src, false, func(mem, buf []byte) { copy(mem, buf) })
}

func (p *PageTable) access(virt hostarch.Addr, buf []byte, needWrite bool, fn func(mem, buf []byte)) (int, error) {
	done := 0
	for done < len(buf) {
		addr := virt + hostarch.Addr(done)
		if addr < virt {
			return done, fmt.Errorf("access at %v wraps around: %w", virt, linuxerr.EFAULT)
		}
		e, ok := p.entries[addr.RoundDown()]
		if !ok {
			return done, fmt.Errorf("no mapping at %v: %w", addr, linuxerr.EFAULT)
		}
		if needWrite && e.flags&FlagWrite == 0 {
			return done, fmt.Errorf("write to read-only page at %v: %w", addr, linuxerr.EFAULT)
		}
		n := min(uint64(len(buf)-done), hostarch.PageSize-addr.PageOffset())
		mem, err := p.mem.Slice(e.phys+hostarch.PhysAddr(addr.PageOffset()), n)
		if err != nil {
			return done, err
		}
		fn(mem, buf[done:done+int(n)])
		done += int(n)
	}
	return done, nil
}

// Begin starts a Transaction against p.
func (p *PageTable) Begin() *Transaction {
	return &Transaction{pt: p}
}
