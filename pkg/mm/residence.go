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
	"io"

	"github.com/ncw/directio"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/refs"
)

// FrameSource hands out the physical pages backing mappings. Every page comes
// from a single zone of a buddy.Allocator.
//
// A FrameSource also owns the zero page: a single read-only page shared by
// every anonymous mapping for offsets that were never written.
type FrameSource struct {
	alloc    *buddy.Allocator
	zone     buddy.ZoneType
	zeroPage *ResidencePage
}

// NewFrameSource returns a FrameSource allocating from zone of a.
func NewFrameSource(a *buddy.Allocator, zone buddy.ZoneType) (*FrameSource, error) {
	s := &FrameSource{
		alloc: a,
		zone:  zone,
	}
	addr, err := a.AllocZero(0, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate zero page: %w", err)
	}
	s.zeroPage = s.newPage(addr)
	return s, nil
}

// Release returns the zero page to the allocator. Mappings do not hold
// references on the zero page, so Release must be called only after every
// mapping using s has been released.
func (s *FrameSource) Release() {
	s.zeroPage.DecRef()
}

// Memory returns the physical memory pages are allocated from.
func (s *FrameSource) Memory() *physmem.Memory {
	return s.alloc.Memory()
}

// ZeroPage returns the address of the shared zero page.
func (s *FrameSource) ZeroPage() hostarch.PhysAddr {
	return s.zeroPage.addr
}

// allocPage returns a new page with unspecified contents.
func (s *FrameSource) allocPage() (*ResidencePage, error) {
	addr, err := s.alloc.Alloc(0, s.zone)
	if err != nil {
		return nil, err
	}
	return s.newPage(addr), nil
}

func (s *FrameSource) newPage(addr hostarch.PhysAddr) *ResidencePage {
	p := &ResidencePage{
		addr: addr,
		src:  s,
	}
	p.InitRefs()
	refs.Register(p)
	return p
}

// ResidencePage is a reference-counted physical page. The page returns to the
// allocator when its last reference is dropped.
type ResidencePage struct {
	refs.AtomicRefCount

	addr hostarch.PhysAddr
	src  *FrameSource
}

// Addr returns the physical address of the page.
func (p *ResidencePage) Addr() hostarch.PhysAddr {
	return p.addr
}

// DecRef implements refs.RefCounter.DecRef.
func (p *ResidencePage) DecRef() {
	p.DecRefWithDestructor(func() {
		refs.Unregister(p)
		p.src.alloc.Free(p.addr, 0)
	})
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (p *ResidencePage) LeakMessage() string {
	return fmt.Sprintf("[mm.ResidencePage %p] physical page %v: %d refs", p, p.addr, p.ReadRefs())
}

// MapResidence describes where the contents of a mapping's pages come from.
//
// An anonymous residence starts out reading as zeros, backed by the shared
// zero page. A file residence is backed by a File starting at a page offset;
// it has no default page, so every offset must be materialized before it is
// mapped.
type MapResidence struct {
	src *FrameSource

	// file is nil for anonymous residences.
	file File

	// off is the offset into file in pages.
	off uint64
}

// Anonymous returns a residence for zero-filled memory.
func Anonymous(src *FrameSource) MapResidence {
	return MapResidence{src: src}
}

// FileResidence returns a residence backed by file, starting at page offset
// off.
func FileResidence(src *FrameSource, file File, off uint64) MapResidence {
	return MapResidence{
		src:  src,
		file: file,
		off:  off,
	}
}

// IsFile returns true if r is backed by a file.
func (r MapResidence) IsFile() bool {
	return r.file != nil
}

// File returns the file backing r and its page offset. file is nil for
// anonymous residences.
func (r MapResidence) File() (file File, off uint64) {
	return r.file, r.off
}

// String implements fmt.Stringer.String.
func (r MapResidence) String() string {
	if r.file == nil {
		return "anonymous"
	}
	return fmt.Sprintf("file@%#x", hostarch.PagesToBytes(r.off))
}

// defaultPage returns the page mapped read-only at offsets that have not been
// materialized, or nil if there is none.
func (r MapResidence) defaultPage() *ResidencePage {
	if r.file != nil {
		return nil
	}
	return r.src.zeroPage
}

// withOffset returns r advanced by pages pages.
func (r MapResidence) withOffset(pages uint64) MapResidence {
	if r.file != nil {
		r.off += pages
	}
	return r
}

// acquirePage returns a new page for offset. Its contents must be filled with
// initialContents before it becomes visible.
func (r MapResidence) acquirePage() (*ResidencePage, error) {
	return r.src.allocPage()
}

// initialContents returns the contents of the page at offset in a mapping
// that has never been written: zeros for anonymous memory, the file's bytes
// otherwise. Bytes past the end of the file read as zero.
func (r MapResidence) initialContents(offset uint64) ([]byte, error) {
	buf := directio.AlignedBlock(hostarch.PageSize)
	if r.file == nil {
		return buf, nil
	}
	pos := int64(hostarch.PagesToBytes(r.off + offset))
	n, err := r.file.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page at file offset %#x: %w", pos, err)
	}
	clear(buf[n:])
	return buf, nil
}
