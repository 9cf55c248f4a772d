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
	"io"
	"sync"
	"testing"

	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/vmem"
)

const testPhysBase = hostarch.PhysAddr(0x100000)

// newTestAllocator returns an allocator whose user zone spans pages pages,
// including its metadata.
func newTestAllocator(t *testing.T, pages uint64) *buddy.Allocator {
	t.Helper()
	size := hostarch.PagesToBytes(pages)
	mem, err := physmem.New(testPhysBase, size)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	a, err := buddy.Init(buddy.MemoryMap{
		PhysAllocBegin:  testPhysBase,
		AvailableMemory: size,
	}, mem, buddy.Opts{
		// Give everything to the user zone.
		KernelZoneLimit: testPhysBase,
	})
	if err != nil {
		t.Fatalf("buddy.Init failed: %v", err)
	}
	return a
}

func newTestSource(t *testing.T, pages uint64) (*FrameSource, *buddy.Allocator) {
	t.Helper()
	a := newTestAllocator(t, pages)
	src, err := NewFrameSource(a, buddy.ZoneUser)
	if err != nil {
		t.Fatalf("NewFrameSource failed: %v", err)
	}
	t.Cleanup(src.Release)
	return src, a
}

// exhaust allocates every free page of a's user zone but leave. It returns a
// function freeing them again.
func exhaust(t *testing.T, a *buddy.Allocator, leave int) func() {
	t.Helper()
	var held []hostarch.PhysAddr
	for {
		p, err := a.Alloc(0, buddy.ZoneUser)
		if err != nil {
			break
		}
		held = append(held, p)
	}
	if len(held) < leave {
		t.Fatalf("only %d free pages, want at least %d", len(held), leave)
	}
	for _, p := range held[len(held)-leave:] {
		a.Free(p, 0)
	}
	held = held[:len(held)-leave]
	return func() {
		for _, p := range held {
			a.Free(p, 0)
		}
	}
}

// residentPage describes a materialized page of a mapping.
type residentPage struct {
	Virt hostarch.Addr
	Phys hostarch.PhysAddr
	Refs int64
}

func residentPages(ms ...*Mapping) []residentPage {
	var rps []residentPage
	for _, m := range ms {
		for i := uint64(0); i < m.Size(); i++ {
			if phys, refs, ok := m.Page(i); ok {
				rps = append(rps, residentPage{Virt: m.addrOf(i), Phys: phys, Refs: refs})
			}
		}
	}
	return rps
}

// checkTranslations fails t unless every materialized page of ms is the one
// its page table maps.
func checkTranslations(t *testing.T, translate func(hostarch.Addr) (hostarch.PhysAddr, vmem.Flags, bool), ms ...*Mapping) {
	t.Helper()
	for _, rp := range residentPages(ms...) {
		if phys, _, ok := translate(rp.Virt); !ok || phys != rp.Phys {
			t.Errorf("page table maps %v to %v (mapped %t), mapping owns %v", rp.Virt, phys, ok, rp.Phys)
		}
	}
}

// memFile is an in-memory File.
type memFile struct {
	mu   sync.Mutex
	data []byte

	// maxWrite, if non-zero, caps the number of bytes accepted by each
	// WriteAt call.
	maxWrite int

	// writeErr, if set, is returned by every WriteAt call.
	writeErr error

	writes int
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.maxWrite > 0 && len(p) > f.maxWrite {
		p = p[:f.maxWrite]
	}
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}
