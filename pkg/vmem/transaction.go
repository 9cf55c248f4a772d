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

package vmem

import (
	"fmt"

	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
)

// undo restores the entry at virt to its state before an edit.
type undo struct {
	virt hostarch.Addr
	old  pte
	had  bool
}

// Transaction is a batch of page table edits that either all take effect
// (Commit) or are all reverted (Rollback).
//
// Edits are applied to the page table as they are made, so memory accesses
// within the transaction observe them. An edit that fails leaves the table
// unchanged; edits that succeeded before it remain until Rollback.
//
// A Transaction must be finalized with exactly one of Commit or Rollback.
type Transaction struct {
	pt    *PageTable
	undos []undo
	done  bool
}

func (tx *Transaction) checkActive() {
	if tx.done {
		panic("use of finalized page table transaction")
	}
}

func (tx *Transaction) record(virt hostarch.Addr) {
	old, had := tx.pt.entries[virt]
	tx.undos = append(tx.undos, undo{virt: virt, old: old, had: had})
}

// Map installs a mapping of the physical page phys at virt, replacing any
// existing mapping of virt.
func (tx *Transaction) Map(phys hostarch.PhysAddr, virt hostarch.Addr, flags Flags) error {
	tx.checkActive()
	if !phys.IsPageAligned() || !virt.IsPageAligned() {
		return fmt.Errorf("map %v at %v: unaligned address: %w", phys, virt, linuxerr.EINVAL)
	}
	if !tx.pt.mem.Contains(phys, hostarch.PageSize) {
		return fmt.Errorf("map %v at %v: no such physical page: %w", phys, virt, linuxerr.EFAULT)
	}
	tx.record(virt)
	tx.pt.entries[virt] = pte{phys: phys, flags: flags}
	return nil
}

// UnmapRange removes the mappings of pages pages starting at virt. Pages that
// are not mapped are skipped.
func (tx *Transaction) UnmapRange(virt hostarch.Addr, pages uint64) error {
	tx.checkActive()
	if !virt.IsPageAligned() {
		return fmt.Errorf("unmap at %v: unaligned address: %w", virt, linuxerr.EINVAL)
	}
	if pages == 0 {
		return nil
	}
	// The range may end exactly at the top of the address space.
	if pages-1 > uint64(^hostarch.Addr(0))>>hostarch.PageShift {
		return fmt.Errorf("unmap %d pages at %v: range overflows: %w", pages, virt, linuxerr.EINVAL)
	}
	if _, ok := virt.AddLength(hostarch.PagesToBytes(pages - 1)); !ok {
		return fmt.Errorf("unmap %d pages at %v: range overflows: %w", pages, virt, linuxerr.EINVAL)
	}
	for i := uint64(0); i < pages; i++ {
		addr := virt.AddPages(i)
		if _, ok := tx.pt.entries[addr]; !ok {
			continue
		}
		tx.record(addr)
		delete(tx.pt.entries, addr)
	}
	return nil
}

// Read reads from the page table, observing edits made so far.
func (tx *Transaction) Read(virt hostarch.Addr, dst []byte) (int, error) {
	tx.checkActive()
	return tx.pt.Read(virt, dst)
}

// WriteIgnoringProtection writes src at virt through the page table,
// regardless of whether the pages are writable.
func (tx *Transaction) WriteIgnoringProtection(virt hostarch.Addr, src []byte) (int, error) {
	tx.checkActive()
	return tx.pt.writeForce(virt, src)
}

// Commit makes every edit of tx permanent.
func (tx *Transaction) Commit() {
	tx.checkActive()
	tx.done = true
	tx.undos = nil
}

// Rollback reverts every edit of tx, newest first.
func (tx *Transaction) Rollback() {
	tx.checkActive()
	tx.done = true
	for i := len(tx.undos) - 1; i >= 0; i-- {
		u := tx.undos[i]
		if u.had {
			tx.pt.entries[u.virt] = u.old
		} else {
			delete(tx.pt.entries, u.virt)
		}
	}
	if len(tx.undos) > 0 {
		log.Debugf("vmem: rolled back %d page table edits", len(tx.undos))
	}
	tx.undos = nil
}
