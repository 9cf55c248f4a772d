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

package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
)

// Block tags are (worker id + 1) << tagSeqBits | sequence, so tags differ
// across workers and do not repeat among the blocks one worker holds.
const (
	tagSeqBits    = 20
	maxWorkers    = 1<<(32-tagSeqBits) - 1
	maxHeldBlocks = 1 << tagSeqBits
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	maxOrder   uint
	maxHeld    int
	seed       uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate and free frames concurrently and check for overlap and leaks"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent allocation workers against one zone.

Every allocated block is filled with a pattern unique to its owner and checked
before it is freed, so two workers holding overlapping blocks fail the run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 10000, "allocations per worker.")
	f.UintVar(&s.maxOrder, "max-order", 4, "largest order allocated.")
	f.IntVar(&s.maxHeld, "max-held", 32, "blocks a worker holds before freeing the oldest.")
	f.Uint64Var(&s.seed, "seed", uint64(time.Now().UnixNano()), "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.workers > maxWorkers || s.maxHeld <= 0 || s.maxHeld > maxHeldBlocks || s.maxOrder > uint(buddy.MaxOrder) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	zone, err := conf.ZoneType()
	if err != nil {
		Fatalf("%v", err)
	}

	m, err := boot(conf)
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	defer m.shutdown()

	log.Infof("Stress: %d workers, %d iterations, max order %d, zone %v, seed %d", s.workers, s.iterations, s.maxOrder, zone, s.seed)
	start := time.Now()
	if err := s.run(ctx, m, zone); err != nil {
		Fatalf("stress failed: %v", err)
	}
	fmt.Printf("%d allocations by %d workers in %v, no overlap, no leaks\n", s.workers*s.iterations, s.workers, time.Since(start))
	return subcommands.ExitSuccess
}

// run starts the workers and waits for all of them. Every block is returned to
// the allocator before run returns.
func (s *Stress) run(ctx context.Context, m *machine, zone buddy.ZoneType) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		w := &stressWorker{
			id:    i,
			alloc: m.alloc,
			mem:   m.mem,
			zone:  zone,
			rng:   rand.New(rand.NewPCG(s.seed, uint64(i))),
		}
		g.Go(func() error {
			return w.run(ctx, s.iterations, buddy.Order(s.maxOrder), s.maxHeld)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := m.alloc.AllocatedPages(); n != 0 {
		return fmt.Errorf("%d pages still allocated after all workers finished", n)
	}
	return nil
}

type block struct {
	addr  hostarch.PhysAddr
	order buddy.Order
	tag   uint32
}

type stressWorker struct {
	id    int
	alloc *buddy.Allocator
	mem   *physmem.Memory
	zone  buddy.ZoneType
	rng   *rand.Rand
	held  []block
	seq   uint32
}

// nextTag returns the pattern for the worker's next block.
func (w *stressWorker) nextTag() uint32 {
	w.seq = (w.seq + 1) & (1<<tagSeqBits - 1)
	return uint32(w.id+1)<<tagSeqBits | w.seq
}

func (w *stressWorker) run(ctx context.Context, iterations int, maxOrder buddy.Order, maxHeld int) error {
	defer w.freeAll()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(w.held) >= maxHeld {
			if err := w.freeOldest(); err != nil {
				return err
			}
		}
		order := buddy.Order(w.rng.UintN(uint(maxOrder) + 1))
		addr, err := w.alloc.Alloc(order, w.zone)
		if linuxerr.Equals(linuxerr.ENOMEM, err) {
			// Other workers hold the memory. Give some back and move on.
			log.Debugf("Worker %d: out of memory at order %d, holding %d blocks", w.id, order, len(w.held))
			if len(w.held) > 0 {
				if err := w.freeOldest(); err != nil {
					return err
				}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		b := block{addr: addr, order: order, tag: w.nextTag()}
		bs, err := w.mem.Slice(addr, buddy.FrameSize(order))
		if err != nil {
			return fmt.Errorf("worker %d: allocator returned unbacked block: %w", w.id, err)
		}
		fillTag(bs, b.tag)
		w.held = append(w.held, b)
	}
	return nil
}

func (w *stressWorker) freeOldest() error {
	b := w.held[0]
	w.held = w.held[1:]
	return w.free(b)
}

func (w *stressWorker) free(b block) error {
	bs, err := w.mem.Slice(b.addr, buddy.FrameSize(b.order))
	if err != nil {
		return err
	}
	for j := 0; j < len(bs); j += 4 {
		if got := binary.LittleEndian.Uint32(bs[j:]); got != b.tag {
			return fmt.Errorf("worker %d: block %v order %d overwritten at byte %#x: got %#x, want %#x", w.id, b.addr, b.order, j, got, b.tag)
		}
	}
	w.alloc.Free(b.addr, b.order)
	return nil
}

// fillTag writes tag to every 4-byte word of bs. len(bs) is a multiple of
// the page size.
func fillTag(bs []byte, tag uint32) {
	for j := 0; j < len(bs); j += 4 {
		binary.LittleEndian.PutUint32(bs[j:], tag)
	}
}

// freeAll returns every held block without checking contents. It runs on
// both success and failure so that the final page count is meaningful.
func (w *stressWorker) freeAll() {
	for _, b := range w.held {
		w.alloc.Free(b.addr, b.order)
	}
	w.held = nil
}
