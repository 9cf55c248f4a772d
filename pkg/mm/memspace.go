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

package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/vmem"
)

// DefaultLayout is the range of addresses available to mappings of a
// MemSpace unless NewMemSpace is given another.
var DefaultLayout = hostarch.AddrRange{
	Start: 0x10000,
	End:   0x7ffffffff000,
}

// btreeDegree is the degree of the mapping and gap trees.
const btreeDegree = 8

// MemSpace is an address space: a set of non-overlapping mappings, the gaps
// between them and the page table they are applied to.
//
// MemSpace is safe for concurrent use.
type MemSpace struct {
	src    *FrameSource
	layout hostarch.AddrRange

	// mu serializes every operation on the address space, including
	// operations on its mappings and page table.
	mu sync.Mutex

	// pt is the page table of the address space. Protected by mu.
	pt *vmem.PageTable

	// mappings is ordered by Mapping.begin. Protected by mu.
	mappings *btree.BTreeG[*Mapping]

	// gaps is ordered by Gap.Begin. Adjacent gaps are always merged, so
	// together with mappings they exactly cover layout. Protected by mu.
	gaps *btree.BTreeG[Gap]
}

func mappingLess(a, b *Mapping) bool { return a.begin < b.begin }

func gapLess(a, b Gap) bool { return a.Begin < b.Begin }

// NewMemSpace returns an empty address space covering layout, whose pages
// are allocated from src.
func NewMemSpace(src *FrameSource, layout hostarch.AddrRange) (*MemSpace, error) {
	if !layout.WellFormed() || !layout.IsPageAligned() || layout.Length() == 0 {
		return nil, fmt.Errorf("invalid address space layout %v: %w", layout, linuxerr.EINVAL)
	}
	if layout.Contains(vmem.CopyBuffer) {
		return nil, fmt.Errorf("address space layout %v contains the copy buffer %v: %w", layout, vmem.CopyBuffer, linuxerr.EINVAL)
	}
	ms := newMemSpace(src, layout)
	ms.gaps.ReplaceOrInsert(Gap{Begin: layout.Start, Size: layout.Pages()})
	return ms, nil
}

func newMemSpace(src *FrameSource, layout hostarch.AddrRange) *MemSpace {
	return &MemSpace{
		src:      src,
		layout:   layout,
		pt:       vmem.New(src.Memory()),
		mappings: btree.NewG[*Mapping](btreeDegree, mappingLess),
		gaps:     btree.NewG[Gap](btreeDegree, gapLess),
	}
}

// FrameSource returns the source of ms's pages.
func (ms *MemSpace) FrameSource() *FrameSource {
	return ms.src
}

// Layout returns the range of addresses available to mappings.
func (ms *MemSpace) Layout() hostarch.AddrRange {
	return ms.layout
}

// MapOpts specifies a new mapping.
type MapOpts struct {
	// Addr is the address of the mapping if Fixed is set, and a placement
	// hint otherwise. A zero hint lets Map choose the address.
	Addr  hostarch.Addr
	Fixed bool

	// Pages is the length of the mapping in pages.
	Pages uint64

	Flags MappingFlags

	// Residence sources the mapping's pages. The zero value is anonymous
	// memory.
	Residence MapResidence
}

// Map creates a mapping and applies it to the page table. It returns the
// address of the mapping.
//
// A Fixed mapping replaces any mapping it overlaps.
func (ms *MemSpace) Map(opts MapOpts) (hostarch.Addr, error) {
	if opts.Pages == 0 || !opts.Addr.IsPageAligned() {
		return 0, fmt.Errorf("invalid mapping of %d pages at %v: %w", opts.Pages, opts.Addr, linuxerr.EINVAL)
	}
	if opts.Residence.src == nil {
		opts.Residence = Anonymous(ms.src)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var addr hostarch.Addr
	if opts.Fixed {
		ar, ok := opts.Addr.ToRange(hostarch.PagesToBytes(opts.Pages))
		if !ok || !ms.layout.IsSupersetOf(ar) {
			return 0, fmt.Errorf("fixed mapping %v outside of %v: %w", ar, ms.layout, linuxerr.ENOMEM)
		}
		if err := ms.unmapLocked(ar); err != nil {
			return 0, err
		}
		addr = opts.Addr
	} else {
		var ok bool
		if addr, ok = ms.findAvailableLocked(opts.Addr, opts.Pages); !ok {
			return 0, fmt.Errorf("no room for a mapping of %d pages: %w", opts.Pages, linuxerr.ENOMEM)
		}
	}

	m, err := NewMapping(addr, opts.Pages, opts.Flags, opts.Residence)
	if err != nil {
		return 0, err
	}
	tx := ms.pt.Begin()
	if err := m.ApplyTo(tx); err != nil {
		tx.Rollback()
		m.Release()
		return 0, err
	}

	g, ok := ms.gapContainingLocked(addr)
	if !ok {
		panic(fmt.Sprintf("no gap contains new mapping %v", m))
	}
	ms.gaps.Delete(g)
	before, after := g.carve(addr, opts.Pages)
	if before != nil {
		ms.gaps.ReplaceOrInsert(*before)
	}
	if after != nil {
		ms.gaps.ReplaceOrInsert(*after)
	}
	ms.mappings.ReplaceOrInsert(m)
	tx.Commit()
	log.Debugf("mm: mapped %v", m)
	return addr, nil
}

// findAvailableLocked returns the address of a free range of pages pages,
// preferring hint.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) findAvailableLocked(hint hostarch.Addr, pages uint64) (hostarch.Addr, bool) {
	length := hostarch.PagesToBytes(pages)
	if hint != 0 {
		if g, ok := ms.gapContainingLocked(hint); ok && uint64(g.End()-hint) >= length {
			return hint, true
		}
	}
	var (
		addr  hostarch.Addr
		found bool
	)
	ms.gaps.Ascend(func(g Gap) bool {
		if g.Size >= pages {
			addr, found = g.Begin, true
			return false
		}
		return true
	})
	return addr, found
}

// gapContainingLocked returns the gap containing addr.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) gapContainingLocked(addr hostarch.Addr) (Gap, bool) {
	var (
		gap   Gap
		found bool
	)
	ms.gaps.DescendLessOrEqual(Gap{Begin: addr}, func(g Gap) bool {
		gap, found = g, g.Range().Contains(addr)
		return false
	})
	return gap, found
}

// insertGapLocked adds g to the gap set, merging it with adjacent gaps.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) insertGapLocked(g Gap) {
	var prev, next *Gap
	ms.gaps.DescendLessOrEqual(Gap{Begin: g.Begin}, func(p Gap) bool {
		if p.End() == g.Begin {
			prev = &p
		}
		return false
	})
	ms.gaps.AscendGreaterOrEqual(Gap{Begin: g.End()}, func(n Gap) bool {
		if n.Begin == g.End() {
			next = &n
		}
		return false
	})
	if prev != nil {
		ms.gaps.Delete(*prev)
		g.Begin = prev.Begin
		g.Size += prev.Size
	}
	if next != nil {
		ms.gaps.Delete(*next)
		g.Size += next.Size
	}
	ms.gaps.ReplaceOrInsert(g)
}

// findMappingLocked returns the mapping containing addr, or nil.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) findMappingLocked(addr hostarch.Addr) *Mapping {
	var found *Mapping
	ms.mappings.DescendLessOrEqual(&Mapping{begin: addr}, func(m *Mapping) bool {
		if m.Range().Contains(addr) {
			found = m
		}
		return false
	})
	return found
}

// overlappingLocked returns the mappings overlapping ar in ascending order.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) overlappingLocked(ar hostarch.AddrRange) []*Mapping {
	var ret []*Mapping
	if m := ms.findMappingLocked(ar.Start); m != nil {
		ret = append(ret, m)
	}
	ms.mappings.AscendGreaterOrEqual(&Mapping{begin: ar.Start}, func(m *Mapping) bool {
		if m.begin >= ar.End {
			return false
		}
		if len(ret) == 0 || ret[0] != m {
			ret = append(ret, m)
		}
		return true
	})
	return ret
}

// Unmap removes every mapping in [addr, addr+length). Mappings partially in
// the range are split. Shared file mappings are written back first.
func (ms *MemSpace) Unmap(addr hostarch.Addr, length uint64) error {
	ar, ok := addr.ToRange(length)
	if !ok || !addr.IsPageAligned() || length == 0 {
		return fmt.Errorf("invalid unmap of %#x bytes at %v: %w", length, addr, linuxerr.EINVAL)
	}
	end, ok := ar.End.RoundUp()
	if !ok {
		return fmt.Errorf("invalid unmap of %#x bytes at %v: %w", length, addr, linuxerr.EINVAL)
	}
	ar.End = end
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.unmapLocked(ar.Intersect(ms.layout))
}

// unmapLocked removes every mapping in the page-aligned range ar.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) unmapLocked(ar hostarch.AddrRange) error {
	if ar.Length() == 0 {
		return nil
	}
	type unmapping struct {
		m          *Mapping
		begin, end uint64
	}
	var us []unmapping
	tx := ms.pt.Begin()
	for _, m := range ms.overlappingLocked(ar) {
		r := m.Range().Intersect(ar)
		u := unmapping{
			m:     m,
			begin: uint64(r.Start-m.begin) / hostarch.PageSize,
			end:   uint64(r.End-m.begin) / hostarch.PageSize,
		}
		if err := m.Unmap(u.begin, u.end, tx); err != nil {
			tx.Rollback()
			return err
		}
		us = append(us, u)
	}

	for _, u := range us {
		ms.mappings.Delete(u.m)
		prev, gap, next := u.m.Split(u.begin, u.end-u.begin)
		if prev != nil {
			ms.mappings.ReplaceOrInsert(prev)
		}
		if next != nil {
			ms.mappings.ReplaceOrInsert(next)
		}
		if gap != nil {
			ms.insertGapLocked(*gap)
		}
	}
	tx.Commit()
	return nil
}

// HandleFault resolves a fault at addr, materializing the page if needed.
// It returns EFAULT if addr is not mapped or if write is set and the mapping
// is not writable.
func (ms *MemSpace) HandleFault(addr hostarch.Addr, write bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.handleFaultLocked(addr, write)
}

// Preconditions: ms.mu is locked.
func (ms *MemSpace) handleFaultLocked(addr hostarch.Addr, write bool) error {
	m := ms.findMappingLocked(addr)
	if m == nil {
		return fmt.Errorf("fault at unmapped address %v: %w", addr, linuxerr.EFAULT)
	}
	if write && m.flags&MappingWrite == 0 {
		return fmt.Errorf("write fault at %v in read-only mapping %v: %w", addr, m, linuxerr.EFAULT)
	}
	tx := ms.pt.Begin()
	if err := m.Alloc(uint64(addr-m.begin)/hostarch.PageSize, tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

// Fork returns a copy of ms. Private pages are shared copy-on-write between
// ms and the copy; shared pages stay shared. Locks taken with Mapping.Lock
// are not inherited.
func (ms *MemSpace) Fork() (*MemSpace, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	child := newMemSpace(ms.src, ms.layout)
	child.gaps = ms.gaps.Clone()
	ms.mappings.Ascend(func(m *Mapping) bool {
		c := m.Clone()
		c.locked = false
		child.mappings.ReplaceOrInsert(c)
		return true
	})

	// Both sides must be remapped so that writes to now-shared pages fault.
	// Pages replaced while applying either side stay referenced until both
	// sides succeed, so that a failure can restore ms.
	ptx, ctx := ms.pt.Begin(), child.pt.Begin()
	pswaps, err := applyAll(ms.mappings, ptx)
	if err == nil {
		var cswaps []*pageSwaps
		if cswaps, err = applyAll(child.mappings, ctx); err != nil {
			revertAll(pswaps)
		} else {
			commitAll(pswaps)
			commitAll(cswaps)
		}
	}
	if err != nil {
		ptx.Rollback()
		ctx.Rollback()
		child.mappings.Ascend(func(m *Mapping) bool {
			m.Release()
			return true
		})
		return nil, err
	}
	ptx.Commit()
	ctx.Commit()
	return child, nil
}

// applyAll applies every mapping to tx. If it fails, every mapping is
// restored and tx must be rolled back.
func applyAll(mappings *btree.BTreeG[*Mapping], tx *vmem.Transaction) ([]*pageSwaps, error) {
	var (
		all []*pageSwaps
		err error
	)
	mappings.Ascend(func(m *Mapping) bool {
		var s *pageSwaps
		if s, err = m.applyTo(tx); err == nil {
			all = append(all, s)
		}
		return err == nil
	})
	if err != nil {
		revertAll(all)
		return nil, err
	}
	return all, nil
}

func commitAll(all []*pageSwaps) {
	for _, s := range all {
		s.commit()
	}
}

func revertAll(all []*pageSwaps) {
	for i := len(all) - 1; i >= 0; i-- {
		all[i].revert()
	}
}

// Sync writes back every shared file mapping. It attempts every mapping and
// returns all errors encountered.
func (ms *MemSpace) Sync() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var merr *multierror.Error
	ms.mappings.Ascend(func(m *Mapping) bool {
		if err := m.FSSync(ms.pt); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("sync %v: %w", m, err))
		}
		return true
	})
	return merr.ErrorOrNil()
}

// Release unmaps every mapping and drops their pages. Shared file mappings
// are written back first; write-back errors are returned but do not stop
// the teardown. ms must not be used afterwards.
func (ms *MemSpace) Release() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var merr *multierror.Error
	tx := ms.pt.Begin()
	ms.mappings.Ascend(func(m *Mapping) bool {
		if err := m.FSSync(tx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("sync %v: %w", m, err))
		}
		if err := tx.UnmapRange(m.begin, m.size); err != nil {
			merr = multierror.Append(merr, err)
		}
		m.Release()
		return true
	})
	tx.Commit()
	ms.mappings.Clear(false)
	ms.gaps.Clear(false)
	ms.gaps.ReplaceOrInsert(Gap{Begin: ms.layout.Start, Size: ms.layout.Pages()})
	return merr.ErrorOrNil()
}

// FindMapping returns the mapping containing addr, or nil.
func (ms *MemSpace) FindMapping(addr hostarch.Addr) *Mapping {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.findMappingLocked(addr)
}

// Mappings returns the mappings of ms in ascending address order. The
// mappings must not be modified.
func (ms *MemSpace) Mappings() []*Mapping {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ret := make([]*Mapping, 0, ms.mappings.Len())
	ms.mappings.Ascend(func(m *Mapping) bool {
		ret = append(ret, m)
		return true
	})
	return ret
}

// Gaps returns the gaps of ms in ascending address order.
func (ms *MemSpace) Gaps() []Gap {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ret := make([]Gap, 0, ms.gaps.Len())
	ms.gaps.Ascend(func(g Gap) bool {
		ret = append(ret, g)
		return true
	})
	return ret
}

// Translate returns the physical address mapped at addr.
func (ms *MemSpace) Translate(addr hostarch.Addr) (hostarch.PhysAddr, vmem.Flags, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pt.Translate(addr)
}
