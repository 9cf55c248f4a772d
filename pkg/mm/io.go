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
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
)

// CopyOut copies src to the address space at addr, resolving faults as
// needed. It returns the number of bytes copied.
func (ms *MemSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.copyLocked(addr, len(src), true, func(at hostarch.Addr, done int) (int, error) {
		return ms.pt.Write(at, src[done:])
	})
}

// CopyIn copies from the address space at addr to dst, resolving faults as
// needed. It returns the number of bytes copied.
func (ms *MemSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.copyLocked(addr, len(dst), false, func(at hostarch.Addr, done int) (int, error) {
		return ms.pt.Read(at, dst[done:])
	})
}

// copyLocked calls fn until length bytes are copied, handling a fault each
// time fn stops at an address that is not accessible.
//
// Preconditions: ms.mu is locked.
func (ms *MemSpace) copyLocked(addr hostarch.Addr, length int, write bool, fn func(at hostarch.Addr, done int) (int, error)) (int, error) {
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < length {
		at := addr + hostarch.Addr(done)
		n, err := fn(at, done)
		done += n
		if err == nil {
			break
		}
		if !linuxerr.Equals(linuxerr.EFAULT, err) {
			return done, err
		}
		if err := ms.handleFaultLocked(addr+hostarch.Addr(done), write); err != nil {
			return done, err
		}
	}
	return done, nil
}
