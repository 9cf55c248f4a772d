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

// Package mm implements copy-on-write memory mappings.
//
// A Mapping is a page-aligned range of virtual memory whose pages are
// materialized lazily from a MapResidence. Physical pages are reference
// counted and may be shared between mappings, typically after a fork; a
// private mapping copies a shared page the first time it is written.
//
// MemSpace ties mappings together into an address space.
//
// Lock order:
//
//	MemSpace.mu
//	  buddy zone locks
package mm

import (
	"fmt"
	"io"
	"slices"

	"github.com/ncw/directio"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/vmem"
)

// PageReader reads memory through a page table. It is implemented by
// *vmem.PageTable and *vmem.Transaction.
type PageReader interface {
	Read(virt hostarch.Addr, dst []byte) (int, error)
}

// Mapping is a region of virtual memory.
//
// Mapping is not synchronized; its owner serializes every operation on it,
// together with the transaction it is applied to.
type Mapping struct {
	// begin is the page-aligned first address of the mapping.
	begin hostarch.Addr

	// size is the length of the mapping in pages. It is never zero except
	// after the mapping was consumed by Split.
	size uint64

	flags     MappingFlags
	residence MapResidence

	// locked is set by Lock. FSSync refuses locked mappings.
	locked bool

	// physPages holds the page materialized at each offset, or nil. Pages
	// may be shared with other mappings. len(physPages) == size.
	physPages []*ResidencePage
}

// NewMapping returns a mapping of size pages at begin with no materialized
// pages.
func NewMapping(begin hostarch.Addr, size uint64, flags MappingFlags, residence MapResidence) (*Mapping, error) {
	if !begin.IsPageAligned() {
		return nil, fmt.Errorf("unaligned mapping address %v: %w", begin, linuxerr.EINVAL)
	}
	if size == 0 {
		return nil, fmt.Errorf("empty mapping at %v: %w", begin, linuxerr.EINVAL)
	}
	if _, ok := begin.AddLength(hostarch.PagesToBytes(size)); !ok || size > (^uint64(0))>>hostarch.PageShift {
		return nil, fmt.Errorf("mapping of %d pages at %v overflows: %w", size, begin, linuxerr.EINVAL)
	}
	return &Mapping{
		begin:     begin,
		size:      size,
		flags:     flags,
		residence: residence,
		physPages: make([]*ResidencePage, size),
	}, nil
}

// Begin returns the first address of m.
func (m *Mapping) Begin() hostarch.Addr {
	return m.begin
}

// Size returns the length of m in pages.
func (m *Mapping) Size() uint64 {
	return m.size
}

// End returns the address just past the end of m.
func (m *Mapping) End() hostarch.Addr {
	return m.begin.AddPages(m.size)
}

// Range returns the addresses covered by m.
func (m *Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.begin, End: m.End()}
}

// Flags returns the flags of m.
func (m *Mapping) Flags() MappingFlags {
	return m.flags
}

// Residence returns the residence of m.
func (m *Mapping) Residence() MapResidence {
	return m.residence
}

// Page returns the physical page materialized at offset and its reference
// count. ok is false if no page is materialized there.
func (m *Mapping) Page(offset uint64) (addr hostarch.PhysAddr, refs int64, ok bool) {
	if offset >= m.size || m.physPages[offset] == nil {
		return 0, 0, false
	}
	p := m.physPages[offset]
	return p.Addr(), p.ReadRefs(), true
}

// Lock pins m in memory. While locked, FSSync returns EBUSY.
func (m *Mapping) Lock() {
	m.locked = true
}

// Unlock undoes Lock.
func (m *Mapping) Unlock() {
	m.locked = false
}

// Locked returns true if m is locked.
func (m *Mapping) Locked() bool {
	return m.locked
}

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	return fmt.Sprintf("[%v, %v) %v %v", m.begin, m.End(), m.flags, m.residence)
}

func (m *Mapping) addrOf(offset uint64) hostarch.Addr {
	return m.begin.AddPages(offset)
}

// isCOW returns true if page must be copied before a mapping with flags can
// write to it.
func isCOW(page *ResidencePage, flags MappingFlags) bool {
	if flags&MappingShared != 0 {
		return false
	}
	return page.ReadRefs() > 1
}

// Alloc resolves a fault at page offset of m, materializing a page there if
// none exists or if the existing one is shared copy-on-write. The resolved
// page is mapped into tx with the permissions of m.
//
// If Alloc fails, m is unchanged, but tx may hold edits made before the
// failure and must be rolled back.
func (m *Mapping) Alloc(offset uint64, tx *vmem.Transaction) error {
	sw, err := m.alloc(offset, tx)
	if err != nil {
		return err
	}
	if sw != nil && sw.prev != nil {
		sw.prev.DecRef()
	}
	return nil
}

// pageSwap records that alloc installed a new page at offset. prev is the
// page it replaced, or nil; alloc keeps prev's reference.
type pageSwap struct {
	offset uint64
	prev   *ResidencePage
}

// alloc is Alloc, except that the reference on a replaced page is handed to
// the caller in the returned pageSwap. sw is nil if the slot is unchanged.
func (m *Mapping) alloc(offset uint64, tx *vmem.Transaction) (sw *pageSwap, err error) {
	if offset >= m.size {
		return nil, fmt.Errorf("offset %d outside of mapping %v: %w", offset, m, linuxerr.EFAULT)
	}
	addr := m.addrOf(offset)
	prev := m.physPages[offset]
	if prev != nil && !isCOW(prev, m.flags) {
		return nil, tx.Map(prev.Addr(), addr, m.flags.vmemFlags(true))
	}

	page, err := m.residence.acquirePage()
	if err != nil {
		return nil, err
	}
	if err := m.initPage(offset, page, prev, tx); err != nil {
		page.DecRef()
		return nil, err
	}
	m.physPages[offset] = page
	if prev != nil {
		log.Debugf("mm: broke copy-on-write at %v: %v -> %v", addr, prev.Addr(), page.Addr())
	}
	return &pageSwap{offset: offset, prev: prev}, nil
}

// pageSwaps are the slot changes made to m by one applyTo.
type pageSwaps struct {
	m     *Mapping
	swaps []pageSwap
}

// commit drops the references on replaced pages.
func (s *pageSwaps) commit() {
	for _, sw := range s.swaps {
		if sw.prev != nil {
			sw.prev.DecRef()
		}
	}
	s.swaps = nil
}

// revert puts the replaced pages back, newest first, and releases the pages
// that replaced them.
func (s *pageSwaps) revert() {
	for i := len(s.swaps) - 1; i >= 0; i-- {
		sw := s.swaps[i]
		s.m.physPages[sw.offset].DecRef()
		s.m.physPages[sw.offset] = sw.prev
	}
	s.swaps = nil
}

// initPage fills page with the contents it must have at offset and maps it
// into tx. If prev is not nil, its contents are copied.
func (m *Mapping) initPage(offset uint64, page, prev *ResidencePage, tx *vmem.Transaction) error {
	addr := m.addrOf(offset)
	if prev != nil {
		if err := tx.Map(prev.Addr(), vmem.CopyBuffer, 0); err != nil {
			return err
		}
	}
	// Keep the page read-only until it holds its final contents.
	if err := tx.Map(page.Addr(), addr, m.flags.vmemFlags(false)); err != nil {
		return err
	}

	var (
		contents []byte
		err      error
	)
	if prev != nil {
		contents = make([]byte, hostarch.PageSize)
		if _, err = tx.Read(vmem.CopyBuffer, contents); err == nil {
			err = tx.UnmapRange(vmem.CopyBuffer, 1)
		}
	} else {
		contents, err = m.residence.initialContents(offset)
	}
	if err != nil {
		return err
	}
	if _, err := tx.WriteIgnoringProtection(addr, contents); err != nil {
		return err
	}
	return tx.Map(page.Addr(), addr, m.flags.vmemFlags(true))
}

// ApplyTo maps every page of m into tx.
//
// With an anonymous residence, offsets that were never written map
// read-only to the zero page, and materialized pages map writable unless
// they are copy-on-write. A file residence has no default page, so every
// offset is resolved with Alloc, copying pages that are copy-on-write.
//
// If ApplyTo fails, m is unchanged, but tx must be rolled back.
func (m *Mapping) ApplyTo(tx *vmem.Transaction) error {
	s, err := m.applyTo(tx)
	if err != nil {
		return err
	}
	s.commit()
	return nil
}

// applyTo is ApplyTo, except that pages replaced by Alloc stay referenced
// until the returned pageSwaps is committed or reverted. On failure m is
// already restored.
func (m *Mapping) applyTo(tx *vmem.Transaction) (*pageSwaps, error) {
	s := &pageSwaps{m: m}
	def := m.residence.defaultPage()
	for offset, page := range m.physPages {
		var err error
		switch {
		case def == nil:
			var sw *pageSwap
			if sw, err = m.alloc(uint64(offset), tx); sw != nil {
				s.swaps = append(s.swaps, *sw)
			}
		case page != nil:
			err = tx.Map(page.Addr(), m.addrOf(uint64(offset)), m.flags.vmemFlags(!isCOW(page, m.flags)))
		default:
			err = tx.Map(def.Addr(), m.addrOf(uint64(offset)), m.flags.vmemFlags(false))
		}
		if err != nil {
			s.revert()
			return nil, err
		}
	}
	return s, nil
}

// Split removes the size pages starting at page offset begin from m. It
// returns the mapping of the pages before the removed range, the gap left in
// its place and the mapping of the pages after it; each is nil if empty. A
// range extending past the end of m is truncated.
//
// Split consumes m: each materialized page of m moves to prev or next, or is
// released if it falls in the gap. m must not be used afterwards.
func (m *Mapping) Split(begin, size uint64) (prev *Mapping, gap *Gap, next *Mapping) {
	begin = min(begin, m.size)
	end := m.size
	if size < m.size-begin {
		end = begin + size
	}

	if begin > 0 {
		prev = &Mapping{
			begin:     m.begin,
			size:      begin,
			flags:     m.flags,
			residence: m.residence,
			locked:    m.locked,
			physPages: slices.Clone(m.physPages[:begin]),
		}
	}
	if end > begin {
		gap = &Gap{Begin: m.addrOf(begin), Size: end - begin}
		for _, page := range m.physPages[begin:end] {
			if page != nil {
				page.DecRef()
			}
		}
	}
	if end < m.size {
		next = &Mapping{
			begin:     m.addrOf(end),
			size:      m.size - end,
			flags:     m.flags,
			residence: m.residence.withOffset(end),
			locked:    m.locked,
			physPages: slices.Clone(m.physPages[end:]),
		}
	}
	m.size = 0
	m.physPages = nil
	return prev, gap, next
}

// FSSync writes the contents of m back to its file, reading them through pr.
// It does nothing unless m is a shared file mapping. Only materialized pages
// are written.
//
// FSSync returns EBUSY if m is locked or if the file is being written back
// elsewhere.
func (m *Mapping) FSSync(pr PageReader) error {
	if m.flags&MappingShared == 0 || !m.residence.IsFile() {
		return nil
	}
	if m.locked {
		return fmt.Errorf("sync of locked mapping %v: %w", m, linuxerr.EBUSY)
	}
	file, off := m.residence.File()
	unlock, err := lockForWriteback(file)
	if err != nil {
		return err
	}
	defer unlock()

	buf := directio.AlignedBlock(hostarch.PageSize)
	var written int
	for offset, page := range m.physPages {
		if page == nil {
			continue
		}
		addr := m.addrOf(uint64(offset))
		if _, err := pr.Read(addr, buf); err != nil {
			return fmt.Errorf("failed to read %v for write-back: %w", addr, err)
		}
		pos := int64(hostarch.PagesToBytes(off + uint64(offset)))
		for done := 0; done < len(buf); {
			n, err := file.WriteAt(buf[done:], pos+int64(done))
			done += n
			if err != nil {
				return err
			}
			if n == 0 {
				return io.ErrShortWrite
			}
		}
		written++
	}
	log.Debugf("mm: wrote back %d pages of %v", written, m)
	return nil
}

// Unmap writes m back to its file if needed and removes the pages
// [begin, end) of m from tx. It does not change m.
func (m *Mapping) Unmap(begin, end uint64, tx *vmem.Transaction) error {
	end = min(end, m.size)
	if begin >= end {
		return nil
	}
	if err := m.FSSync(tx); err != nil {
		return err
	}
	return tx.UnmapRange(m.addrOf(begin), end-begin)
}

// Clone returns a mapping with the same range, flags and residence as m that
// shares every materialized page of m.
func (m *Mapping) Clone() *Mapping {
	c := *m
	c.physPages = slices.Clone(m.physPages)
	for _, page := range c.physPages {
		if page != nil {
			page.IncRef()
		}
	}
	return &c
}

// Release drops m's references on its pages. m must not be used afterwards.
func (m *Mapping) Release() {
	for _, page := range m.physPages {
		if page != nil {
			page.DecRef()
		}
	}
	m.physPages = nil
	m.size = 0
}
