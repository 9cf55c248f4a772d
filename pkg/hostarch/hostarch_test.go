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

package hostarch

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down, up Addr
		upOK     bool
	}{
		{addr: 0, down: 0, up: 0, upOK: true},
		{addr: 1, down: 0, up: PageSize, upOK: true},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true},
		{addr: PageSize + 1, down: PageSize, up: 2 * PageSize, upOK: true},
		{addr: ^Addr(0), down: ^Addr(0) &^ PageMask, up: 0, upOK: false},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && up != test.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", test.addr, up, ok, test.up, test.upOK)
		}
	}
}

func TestGenericRounding(t *testing.T) {
	if got := PageRoundDown(uint32(3*PageSize + 7)); got != 3*PageSize {
		t.Errorf("PageRoundDown(uint32) = %#x, want %#x", got, 3*PageSize)
	}
	if got, ok := PageRoundUp(uint64(PageSize + 1)); !ok || got != 2*PageSize {
		t.Errorf("PageRoundUp(uint64) = (%#x, %t), want (%#x, true)", got, ok, 2*PageSize)
	}
	if _, ok := PageRoundUp(^uint16(0)); ok {
		t.Errorf("PageRoundUp(max uint16) did not report wrap-around")
	}
	if !IsPageAligned(uintptr(8*PageSize)) || IsPageAligned(uintptr(PageSize/2)) {
		t.Errorf("IsPageAligned(uintptr) misclassified")
	}
	if got := PageRoundDown(uint8(200)); got != 0 {
		t.Errorf("PageRoundDown(uint8(200)) = %d, want 0", got)
	}
	if got := PagesToBytes(uint32(3)); got != 3*PageSize {
		t.Errorf("PagesToBytes(3) = %#x, want %#x", got, 3*PageSize)
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{PageSize, 4 * PageSize}
	if got := r.Pages(); got != 3 {
		t.Errorf("%v.Pages() = %d, want 3", r, got)
	}
	if !r.Contains(PageSize) || r.Contains(4*PageSize) {
		t.Errorf("%v.Contains has wrong bounds", r)
	}
	if got, want := r.Intersect(AddrRange{2 * PageSize, 8 * PageSize}), (AddrRange{2 * PageSize, 4 * PageSize}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if got := r.Intersect(AddrRange{8 * PageSize, 9 * PageSize}).Length(); got != 0 {
		t.Errorf("disjoint Intersect length = %d, want 0", got)
	}
	if r.Overlaps(AddrRange{4 * PageSize, 5 * PageSize}) {
		t.Errorf("%v should not overlap adjacent range", r)
	}
}

func TestPhysAddrPageNumber(t *testing.T) {
	p := PhysAddrOfPage(42)
	if !p.IsPageAligned() {
		t.Errorf("%v is not page aligned", p)
	}
	if got := p.PageNumber(); got != 42 {
		t.Errorf("PageNumber() = %d, want 42", got)
	}
}
