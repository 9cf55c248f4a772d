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

// Package cmd holds implementations of the memsim commands.
package cmd

import (
	"fmt"
	"os"

	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "memsim: "+format+"\n", args...)
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// machine is a booted simulated machine.
type machine struct {
	mem   *physmem.Memory
	alloc *buddy.Allocator
}

// boot maps the physical memory described by conf and initializes the
// allocator over it.
func boot(conf *config.Config) (*machine, error) {
	mmap := conf.MemoryMap()
	mem, err := physmem.New(mmap.PhysAllocBegin, mmap.AvailableMemory)
	if err != nil {
		return nil, err
	}
	alloc, err := buddy.Init(mmap, mem, conf.BuddyOpts())
	if err != nil {
		mem.Release()
		return nil, err
	}
	return &machine{mem: mem, alloc: alloc}, nil
}

// shutdown releases the machine's physical memory. Pages still allocated are
// reported first.
func (m *machine) shutdown() {
	if n := m.alloc.AllocatedPages(); n != 0 {
		log.Warningf("Shutting down with %d pages still allocated", n)
	}
	if err := m.mem.Release(); err != nil {
		log.Warningf("Failed to release physical memory: %v", err)
	}
}
