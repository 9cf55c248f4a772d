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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/refs"
	"kmem.dev/kmem/pkg/vmem"
)

var testLayout = hostarch.AddrRange{Start: 0x400000, End: 0x500000}

func newTestMemSpace(t *testing.T, physPages uint64) (*MemSpace, *FrameSource) {
	t.Helper()
	src, _ := newTestSource(t, physPages)
	ms, err := NewMemSpace(src, testLayout)
	if err != nil {
		t.Fatalf("NewMemSpace failed: %v", err)
	}
	t.Cleanup(func() { ms.Release() })
	return ms, src
}

func mustMap(t *testing.T, ms *MemSpace, opts MapOpts) hostarch.Addr {
	t.Helper()
	addr, err := ms.Map(opts)
	if err != nil {
		t.Fatalf("Map(%+v) failed: %v", opts, err)
	}
	return addr
}

type span struct {
	Begin hostarch.Addr
	Pages uint64
}

func mappingSpans(ms *MemSpace) []span {
	var spans []span
	for _, m := range ms.Mappings() {
		spans = append(spans, span{m.Begin(), m.Size()})
	}
	return spans
}

func TestNewMemSpaceErrors(t *testing.T) {
	src, _ := newTestSource(t, 16)
	for _, layout := range []hostarch.AddrRange{
		{Start: 0x400000, End: 0x400000},
		{Start: 0x400800, End: 0x500000},
		{Start: 0x500000, End: 0x400000},
		{Start: 0x400000, End: vmem.CopyBuffer + (hostarch.PageSize - 1)},
	} {
		if _, err := NewMemSpace(src, layout); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("NewMemSpace(%v) = %v, want EINVAL", layout, err)
		}
	}
}

func TestMapPlacement(t *testing.T) {
	ms, _ := newTestMemSpace(t, 32)

	a := mustMap(t, ms, MapOpts{Pages: 4, Flags: MappingWrite | MappingUser})
	if a != testLayout.Start {
		t.Errorf("first mapping at %v, want %v", a, testLayout.Start)
	}
	b := mustMap(t, ms, MapOpts{Pages: 2, Flags: MappingUser})
	if b != testLayout.Start.AddPages(4) {
		t.Errorf("second mapping at %v, want %v", b, testLayout.Start.AddPages(4))
	}
	hint := hostarch.Addr(0x480000)
	if c := mustMap(t, ms, MapOpts{Addr: hint, Pages: 1}); c != hint {
		t.Errorf("hinted mapping at %v, want %v", c, hint)
	}
	// A hint inside an existing mapping is ignored.
	if d := mustMap(t, ms, MapOpts{Addr: a, Pages: 1}); d != testLayout.Start.AddPages(6) {
		t.Errorf("mapping with occupied hint at %v, want %v", d, testLayout.Start.AddPages(6))
	}

	want := []Gap{
		{Begin: testLayout.Start.AddPages(7), Size: 0x80 - 7},
		{Begin: hint + hostarch.PageSize, Size: 0x7f},
	}
	if diff := cmp.Diff(want, ms.Gaps()); diff != "" {
		t.Errorf("gaps mismatch (-want +got):\n%s", diff)
	}

	if _, err := ms.Map(MapOpts{Pages: 0x100}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Map larger than any gap = %v, want ENOMEM", err)
	}
	if _, err := ms.Map(MapOpts{Addr: 0x7ff000, Fixed: true, Pages: 1}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("fixed Map outside of the layout = %v, want ENOMEM", err)
	}
	if _, err := ms.Map(MapOpts{Pages: 0}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Map of 0 pages = %v, want EINVAL", err)
	}
}

func TestCopyInOut(t *testing.T) {
	ms, src := newTestMemSpace(t, 32)
	addr := mustMap(t, ms, MapOpts{Pages: 3, Flags: MappingWrite | MappingUser})

	// Unwritten memory reads as zeros from the zero page.
	buf := make([]byte, 3*hostarch.PageSize)
	if n, err := ms.CopyIn(addr, buf); err != nil || n != len(buf) {
		t.Fatalf("CopyIn = %d, %v", n, err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("fresh anonymous memory is not zero")
	}

	data := bytes.Repeat([]byte("0123456789"), 500)
	if n, err := ms.CopyOut(addr+100, data); err != nil || n != len(data) {
		t.Fatalf("CopyOut = %d, %v, want %d, nil", n, err, len(data))
	}
	got := make([]byte, len(data))
	if _, err := ms.CopyIn(addr+100, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("CopyIn returned different bytes than CopyOut wrote")
	}
	// The write touched pages 0 and 1; page 2 still maps the zero page.
	if phys, _, _ := ms.Translate(addr.AddPages(2)); phys != src.ZeroPage() {
		t.Errorf("untouched page maps %v, want zero page %v", phys, src.ZeroPage())
	}

	if _, err := ms.CopyOut(addr.AddPages(3), []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut past the mapping = %v, want EFAULT", err)
	}
	ro := mustMap(t, ms, MapOpts{Pages: 1, Flags: MappingUser})
	if _, err := ms.CopyOut(ro, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to read-only mapping = %v, want EFAULT", err)
	}
	if err := ms.HandleFault(0x4ff000, false); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("HandleFault on unmapped address = %v, want EFAULT", err)
	}
}

func TestUnmapSplitsAndMergesGaps(t *testing.T) {
	ms, _ := newTestMemSpace(t, 32)
	a := mustMap(t, ms, MapOpts{Pages: 8, Flags: MappingWrite | MappingUser})
	b := mustMap(t, ms, MapOpts{Pages: 2, Flags: MappingUser})
	if _, err := ms.CopyOut(a, bytes.Repeat([]byte{1}, 8*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	if err := ms.Unmap(a.AddPages(2), 3*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if diff := cmp.Diff([]span{{a, 2}, {a.AddPages(5), 3}, {b, 2}}, mappingSpans(ms)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	for i := uint64(2); i < 5; i++ {
		if _, _, ok := ms.Translate(a.AddPages(i)); ok {
			t.Errorf("page %d still mapped after Unmap", i)
		}
	}
	// The suffix keeps its contents.
	got := make([]byte, 1)
	if _, err := ms.CopyIn(a.AddPages(5), got); err != nil || got[0] != 1 {
		t.Errorf("suffix reads %v, %v, want [1]", got, err)
	}

	// Unmapping across the hole, the suffix and b leaves one merged gap
	// after the prefix. The length is rounded up to a page.
	if err := ms.Unmap(a.AddPages(2), 8*hostarch.PageSize-1); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if diff := cmp.Diff([]span{{a, 2}}, mappingSpans(ms)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	want := []Gap{{Begin: a.AddPages(2), Size: testLayout.Pages() - 2}}
	if diff := cmp.Diff(want, ms.Gaps()); diff != "" {
		t.Errorf("gaps mismatch (-want +got):\n%s", diff)
	}

	if err := ms.Unmap(a+1, hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Unmap(unaligned) = %v, want EINVAL", err)
	}
}

func TestFixedMapReplaces(t *testing.T) {
	ms, _ := newTestMemSpace(t, 32)
	a := mustMap(t, ms, MapOpts{Pages: 4, Flags: MappingWrite | MappingUser})
	if _, err := ms.CopyOut(a, bytes.Repeat([]byte{7}, 4*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if got := mustMap(t, ms, MapOpts{Addr: a.AddPages(1), Fixed: true, Pages: 2, Flags: MappingUser}); got != a.AddPages(1) {
		t.Fatalf("fixed Map at %v, want %v", got, a.AddPages(1))
	}
	if diff := cmp.Diff([]span{{a, 1}, {a.AddPages(1), 2}, {a.AddPages(3), 1}}, mappingSpans(ms)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	got := make([]byte, 1)
	if _, err := ms.CopyIn(a.AddPages(1), got); err != nil || got[0] != 0 {
		t.Errorf("replaced page reads %v, %v, want [0]", got, err)
	}
}

func TestForkOutOfMemoryRestoresParent(t *testing.T) {
	src, a := newTestSource(t, 8)
	ms, err := NewMemSpace(src, testLayout)
	if err != nil {
		t.Fatalf("NewMemSpace failed: %v", err)
	}
	t.Cleanup(func() { ms.Release() })
	f := &memFile{data: bytes.Repeat([]byte{'f'}, 2*hostarch.PageSize)}
	addr := mustMap(t, ms, MapOpts{Pages: 2, Flags: MappingWrite | MappingUser, Residence: FileResidence(src, f, 0)})
	before := residentPages(ms.Mappings()...)

	// Forking a private file mapping copies each page; leave room for one.
	release := exhaust(t, a, 1)
	defer release()
	allocated := a.AllocatedPages()

	if _, err := ms.Fork(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Fork = %v, want ENOMEM", err)
	}
	if got := a.AllocatedPages(); got != allocated {
		t.Errorf("AllocatedPages = %d after failed Fork, want %d", got, allocated)
	}
	if diff := cmp.Diff(before, residentPages(ms.Mappings()...)); diff != "" {
		t.Errorf("parent pages changed by failed Fork (-want +got):\n%s", diff)
	}
	checkTranslations(t, ms.Translate, ms.Mappings()...)

	// The parent's pages are still owned, so the free page is a different one.
	p, err := a.Alloc(0, buddy.ZoneUser)
	if err != nil {
		t.Fatalf("Alloc after failed Fork: %v", err)
	}
	for _, rp := range before {
		if rp.Phys == p {
			t.Errorf("allocator handed out %v, which the parent still maps at %v", p, rp.Virt)
		}
	}
	a.Free(p, 0)

	got := make([]byte, 2*hostarch.PageSize)
	if _, err := ms.CopyIn(addr, got); err != nil || !bytes.Equal(got, f.data) {
		t.Errorf("CopyIn after failed Fork = %v, contents intact %t", err, bytes.Equal(got, f.data))
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	ms, src := newTestMemSpace(t, 32)
	priv := mustMap(t, ms, MapOpts{Pages: 2, Flags: MappingWrite | MappingUser})
	shared := mustMap(t, ms, MapOpts{Pages: 1, Flags: MappingWrite | MappingUser | MappingShared})
	for _, addr := range []hostarch.Addr{priv, priv.AddPages(1), shared} {
		if _, err := ms.CopyOut(addr, []byte("parent")); err != nil {
			t.Fatalf("CopyOut failed: %v", err)
		}
	}
	allocated := src.alloc.AllocatedPages()

	child, err := ms.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer child.Release()
	if got := src.alloc.AllocatedPages(); got != allocated {
		t.Errorf("Fork allocated %d pages", got-allocated)
	}
	if diff := cmp.Diff(ms.Gaps(), child.Gaps()); diff != "" {
		t.Errorf("child gaps differ (-parent +child):\n%s", diff)
	}

	if _, err := child.CopyOut(priv, []byte("child!")); err != nil {
		t.Fatalf("child CopyOut failed: %v", err)
	}
	if _, err := child.CopyOut(shared, []byte("both")); err != nil {
		t.Fatalf("child CopyOut failed: %v", err)
	}

	read := func(s *MemSpace, addr hostarch.Addr) string {
		buf := make([]byte, 6)
		if _, err := s.CopyIn(addr, buf); err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}
		return string(buf)
	}
	if got := read(ms, priv); got != "parent" {
		t.Errorf("parent private page reads %q after child write, want \"parent\"", got)
	}
	if got := read(child, priv); got != "child!" {
		t.Errorf("child private page reads %q, want \"child!\"", got)
	}
	if got := read(ms, shared); got != "bothnt" {
		t.Errorf("parent shared page reads %q, want \"bothnt\"", got)
	}

	pp, _, _ := ms.Translate(priv)
	cp, _, _ := child.Translate(priv)
	if pp == cp {
		t.Errorf("written private page still shared at %v", pp)
	}
	pp, _, _ = ms.Translate(priv.AddPages(1))
	cp, _, _ = child.Translate(priv.AddPages(1))
	if pp != cp {
		t.Errorf("unwritten private page copied: parent %v, child %v", pp, cp)
	}
	if got := src.alloc.AllocatedPages(); got != allocated+1 {
		t.Errorf("AllocatedPages = %d, want %d after one copy-on-write break", got, allocated+1)
	}
}

func TestSyncAggregatesErrors(t *testing.T) {
	ms, src := newTestMemSpace(t, 32)
	errDisk := errors.New("disk on fire")
	bad := &memFile{writeErr: errDisk}
	good := &memFile{}
	for _, f := range []*memFile{bad, good, bad} {
		mustMap(t, ms, MapOpts{
			Pages:     1,
			Flags:     MappingWrite | MappingUser | MappingShared,
			Residence: FileResidence(src, f, 0),
		})
	}
	// An unrelated locked mapping.
	mustMap(t, ms, MapOpts{Addr: 0x480000, Pages: 1, Flags: MappingWrite | MappingUser | MappingShared, Residence: FileResidence(src, good, 1)})
	ms.FindMapping(0x480000).Lock()

	err := ms.Sync()
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Sync = %v, want a *multierror.Error", err)
	}
	if len(merr.Errors) != 3 {
		t.Errorf("Sync returned %d errors, want 3: %v", len(merr.Errors), err)
	}
	if !errors.Is(merr.Errors[0], errDisk) || !linuxerr.Equals(linuxerr.EBUSY, merr.Errors[2]) {
		t.Errorf("Sync errors = %v", merr.Errors)
	}
	if good.writes != 1 {
		t.Errorf("healthy mapping written %d times, want 1", good.writes)
	}
	ms.FindMapping(0x480000).Unlock()
}

func TestReleaseReturnsPages(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	a := newTestAllocator(t, 32)
	src, err := NewFrameSource(a, buddy.ZoneUser)
	if err != nil {
		t.Fatalf("NewFrameSource failed: %v", err)
	}
	ms, err := NewMemSpace(src, testLayout)
	if err != nil {
		t.Fatalf("NewMemSpace failed: %v", err)
	}
	addr := mustMap(t, ms, MapOpts{Pages: 4, Flags: MappingWrite | MappingUser})
	if _, err := ms.CopyOut(addr, bytes.Repeat([]byte{1}, 4*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	child, err := ms.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if _, err := child.CopyOut(addr, []byte{2}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := ms.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if err := child.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if got := a.AllocatedPages(); got != 1 {
		t.Errorf("AllocatedPages = %d after Release, want 1 for the zero page", got)
	}
	for _, s := range []*MemSpace{ms, child} {
		if n := s.pt.Len(); n != 0 {
			t.Errorf("%d page table entries left after Release", n)
		}
	}
	src.Release()
	if got := a.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages = %d after releasing the frame source, want 0", got)
	}
	if n := refs.DoRepeatedLeakCheck(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}
