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
	"strings"

	"kmem.dev/kmem/pkg/vmem"
)

// MappingFlags are the permissions and sharing mode of a Mapping. The bit
// layout is stable.
type MappingFlags uint8

const (
	// MappingWrite permits writes to the mapping.
	MappingWrite MappingFlags = 1 << 0

	// MappingExec permits instruction fetches from the mapping.
	MappingExec MappingFlags = 1 << 1

	// MappingUser permits user-mode access to the mapping.
	MappingUser MappingFlags = 1 << 2

	// MappingShared makes writes visible to every mapping of the same pages
	// and, for file mappings, to the file. Without it pages are copied on
	// write once shared.
	MappingShared MappingFlags = 1 << 3
)

// String implements fmt.Stringer.String in the style of /proc/[pid]/maps.
func (f MappingFlags) String() string {
	var b strings.Builder
	b.WriteByte('r')
	if f&MappingWrite != 0 {
		b.WriteByte('w')
	} else {
		b.WriteByte('-')
	}
	if f&MappingExec != 0 {
		b.WriteByte('x')
	} else {
		b.WriteByte('-')
	}
	if f&MappingShared != 0 {
		b.WriteByte('s')
	} else {
		b.WriteByte('p')
	}
	if f&MappingUser == 0 {
		b.WriteString(" kernel")
	}
	return b.String()
}

// vmemFlags returns the page table flags for a page of a mapping with flags
// f. If write is false, the page is mapped read-only regardless of f.
func (f MappingFlags) vmemFlags(write bool) vmem.Flags {
	var flags vmem.Flags
	if write && f&MappingWrite != 0 {
		flags |= vmem.FlagWrite
	}
	if f&MappingUser != 0 {
		flags |= vmem.FlagUser
	}
	if f&MappingExec == 0 {
		flags |= vmem.FlagNoExec
	}
	return flags
}
