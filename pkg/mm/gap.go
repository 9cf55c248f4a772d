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

	"kmem.dev/kmem/pkg/hostarch"
)

// Gap is a range of an address space with no mapping.
type Gap struct {
	// Begin is the page-aligned first address of the gap.
	Begin hostarch.Addr

	// Size is the length of the gap in pages. It is never zero.
	Size uint64
}

// End returns the address just past the end of g.
func (g Gap) End() hostarch.Addr {
	return g.Begin.AddPages(g.Size)
}

// Range returns the addresses covered by g.
func (g Gap) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: g.Begin, End: g.End()}
}

// String implements fmt.Stringer.String.
func (g Gap) String() string {
	return fmt.Sprintf("gap [%v, %v)", g.Begin, g.End())
}

// carve returns what remains of g once the pages pages at addr are taken out
// of it.
//
// Preconditions: [addr, addr+pages) lies within g.
func (g Gap) carve(addr hostarch.Addr, pages uint64) (before, after *Gap) {
	if addr > g.Begin {
		before = &Gap{Begin: g.Begin, Size: uint64(addr-g.Begin) / hostarch.PageSize}
	}
	if end := addr.AddPages(pages); end < g.End() {
		after = &Gap{Begin: end, Size: uint64(g.End()-end) / hostarch.PageSize}
	}
	return before, after
}
