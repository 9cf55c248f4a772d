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

// Package hostarch describes the page geometry and address types shared by
// the physical and virtual memory packages.
package hostarch

import (
	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset within a page.
	PageMask = PageSize - 1
)

// pageMask returns PageMask as a T. PageMask does not fit in uint8, whose
// values all round down to 0.
func pageMask[T constraints.Unsigned]() T {
	return T(1)<<PageShift - 1
}

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown[T constraints.Unsigned](x T) T {
	return x &^ pageMask[T]()
}

// PageRoundUp returns x rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func PageRoundUp[T constraints.Unsigned](x T) (val T, ok bool) {
	val = PageRoundDown(x + pageMask[T]())
	ok = val >= x
	return
}

// IsPageAligned returns true if x is a multiple of PageSize.
func IsPageAligned[T constraints.Unsigned](x T) bool {
	return x&pageMask[T]() == 0
}

// PagesToBytes returns the size in bytes of n pages.
func PagesToBytes[T constraints.Unsigned](n T) uint64 {
	return uint64(n) << PageShift
}
