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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/mm"
)

// COW implements subcommands.Command for the "cow" command.
type COW struct {
	pages     uint64
	writePage uint64
	file      string
}

// Name implements subcommands.Command.Name.
func (*COW) Name() string {
	return "cow"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*COW) Synopsis() string {
	return "fork an address space, write through the child and report page sharing"
}

// Usage implements subcommands.Command.Usage.
func (*COW) Usage() string {
	return `cow [flags] - demonstrate copy-on-write.

A private anonymous mapping is filled in the parent, the address space is
forked and one page is written through the child. With -file, a shared
mapping of that file is added and written back before exit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *COW) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.pages, "pages", 4, "length of the private mapping in pages.")
	f.Uint64Var(&c.writePage, "write-page", 0, "page of the private mapping written by the child.")
	f.StringVar(&c.file, "file", "", "path of a file to map shared and write back.")
}

// Execute implements subcommands.Command.Execute.
func (c *COW) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.pages == 0 || c.writePage >= c.pages {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := c.run(conf, os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *COW) run(conf *config.Config, out io.Writer) (retErr error) {
	zone, err := conf.ZoneType()
	if err != nil {
		return err
	}
	m, err := boot(conf)
	if err != nil {
		return fmt.Errorf("booting machine: %w", err)
	}
	defer m.shutdown()

	src, err := mm.NewFrameSource(m.alloc, zone)
	if err != nil {
		return err
	}
	defer src.Release()

	var file *mm.HostFile
	if c.file != "" {
		if file, err = mm.OpenFile(c.file); err != nil {
			return err
		}
		defer file.Close()
	}

	parent, err := mm.NewMemSpace(src, conf.Layout())
	if err != nil {
		return err
	}
	defer releaseSpace("parent", parent, &retErr)

	addr, err := parent.Map(mm.MapOpts{
		Pages: c.pages,
		Flags: mm.MappingWrite | mm.MappingUser,
	})
	if err != nil {
		return fmt.Errorf("mapping %d pages: %w", c.pages, err)
	}
	length := hostarch.PagesToBytes(c.pages)
	if _, err := parent.CopyOut(addr, bytes.Repeat([]byte("parent"), int(length)/6+1)[:length]); err != nil {
		return fmt.Errorf("filling parent: %w", err)
	}

	if file != nil {
		if err := mapFile(parent, src, file); err != nil {
			return err
		}
	}

	child, err := parent.Fork()
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer releaseSpace("child", child, &retErr)

	at := addr.AddPages(c.writePage)
	if _, err := child.CopyOut(at, []byte("child")); err != nil {
		return fmt.Errorf("writing child page %d: %w", c.writePage, err)
	}

	if err := writeSharing(out, parent, child, addr, c.pages); err != nil {
		return err
	}
	got := make([]byte, 6)
	if _, err := parent.CopyIn(at, got); err != nil {
		return err
	}
	fmt.Fprintf(out, "parent still reads %q at %v\n", got, at)

	if c.file != "" {
		if err := parent.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Fprintf(out, "wrote back %s\n", c.file)
	}
	return nil
}

// mapFile maps the first page of file shared and stamps it.
func mapFile(ms *mm.MemSpace, src *mm.FrameSource, file *mm.HostFile) error {
	faddr, err := ms.Map(mm.MapOpts{
		Pages:     1,
		Flags:     mm.MappingWrite | mm.MappingUser | mm.MappingShared,
		Residence: mm.FileResidence(src, file, 0),
	})
	if err != nil {
		return fmt.Errorf("mapping %s: %w", file.Name(), err)
	}
	if _, err := ms.CopyOut(faddr, []byte("written by memsim\n")); err != nil {
		return err
	}
	log.Infof("Mapped %s shared at %v", file.Name(), faddr)
	return nil
}

func writeSharing(out io.Writer, parent, child *mm.MemSpace, addr hostarch.Addr, pages uint64) error {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tADDR\tPARENT\tCHILD\tSTATE")
	for i := uint64(0); i < pages; i++ {
		at := addr.AddPages(i)
		pp, pf, pok := parent.Translate(at)
		cp, cf, cok := child.Translate(at)
		if !pok || !cok {
			return fmt.Errorf("page %v not mapped after fork", at)
		}
		state := "private"
		if pp == cp {
			state = "shared"
		}
		fmt.Fprintf(tw, "%d\t%v\t%v %v\t%v %v\t%s\n", i, at, pp, pf, cp, cf, state)
	}
	return tw.Flush()
}

func releaseSpace(name string, ms *mm.MemSpace, retErr *error) {
	if err := ms.Release(); err != nil {
		log.Warningf("Releasing %s address space: %v", name, err)
		if *retErr == nil {
			*retErr = err
		}
	}
}
