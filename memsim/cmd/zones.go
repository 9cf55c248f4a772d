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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/config"
)

// Zones implements subcommands.Command for the "zones" command.
type Zones struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Zones) Name() string {
	return "zones"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Zones) Synopsis() string {
	return "print the zone layout and free lists of a freshly booted machine"
}

// Usage implements subcommands.Command.Usage.
func (*Zones) Usage() string {
	return `zones [flags] - print the zone layout and free lists.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (z *Zones) SetFlags(f *flag.FlagSet) {
	f.StringVar(&z.format, "format", "table", "output format: table or json.")
}

// Execute implements subcommands.Command.Execute.
func (z *Zones) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := boot(conf)
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	defer m.shutdown()

	stats := m.alloc.Stats()
	switch z.format {
	case "table":
		err = writeZoneTable(os.Stdout, stats)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(zonesJSON(stats))
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		Fatalf("writing zones: %v", err)
	}
	return subcommands.ExitSuccess
}

type zoneJSON struct {
	Type           string         `json:"type"`
	Begin          string         `json:"begin"`
	DataBegin      string         `json:"data_begin"`
	Pages          uint64         `json:"pages"`
	AllocatedPages uint64         `json:"allocated_pages"`
	FreeBlocks     map[int]uint64 `json:"free_blocks,omitempty"`
}

func zonesJSON(stats []buddy.ZoneStats) []zoneJSON {
	out := make([]zoneJSON, 0, len(stats))
	for _, s := range stats {
		z := zoneJSON{
			Type:           s.Type.String(),
			Begin:          s.Begin.String(),
			DataBegin:      s.DataBegin.String(),
			Pages:          s.Pages,
			AllocatedPages: s.AllocatedPages,
		}
		for order, n := range s.FreeBlocks {
			if n == 0 {
				continue
			}
			if z.FreeBlocks == nil {
				z.FreeBlocks = make(map[int]uint64)
			}
			z.FreeBlocks[order] = n
		}
		out = append(out, z)
	}
	return out
}

func writeZoneTable(w io.Writer, stats []buddy.ZoneStats) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tBEGIN\tDATA\tPAGES\tALLOCATED\tFREE\tFREE BLOCKS (order:count)")
	for i := range stats {
		s := &stats[i]
		var blocks string
		for order, n := range s.FreeBlocks {
			if n == 0 {
				continue
			}
			if blocks != "" {
				blocks += " "
			}
			blocks += fmt.Sprintf("%d:%d", order, n)
		}
		if blocks == "" {
			blocks = "-"
		}
		fmt.Fprintf(tw, "%s\t%v\t%v\t%d\t%d\t%d\t%s\n", s.Type, s.Begin, s.DataBegin, s.Pages, s.AllocatedPages, s.FreePages(), blocks)
	}
	return tw.Flush()
}
