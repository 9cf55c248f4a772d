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

// Package config holds the boot configuration of a simulated machine: its
// physical memory map, allocator policy and logging.
//
// A Config is normally built by Default, overlaid with a file by Load, then
// overridden from the command line with RegisterFlags.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/refs"
)

// Config describes a simulated machine.
type Config struct {
	// PhysAllocBegin is the first physical address handed to the allocator.
	PhysAllocBegin uint64 `toml:"phys_alloc_begin" yaml:"phys_alloc_begin"`

	// AvailableMemory is the number of bytes of physical memory starting at
	// PhysAllocBegin.
	AvailableMemory uint64 `toml:"available_memory" yaml:"available_memory"`

	// KernelZoneLimit bounds the kernel zone. Memory past it belongs to the
	// user zone.
	KernelZoneLimit uint64 `toml:"kernel_zone_limit" yaml:"kernel_zone_limit"`

	// Zone is the zone user mappings draw their pages from.
	Zone string `toml:"zone" yaml:"zone"`

	// MapBegin and MapEnd bound the addresses available to mappings.
	MapBegin uint64 `toml:"map_begin" yaml:"map_begin"`
	MapEnd   uint64 `toml:"map_end" yaml:"map_end"`

	// RefLeakMode is one of "disabled", "log-names" or "panic".
	RefLeakMode string `toml:"ref_leak_mode" yaml:"ref_leak_mode"`

	Log Log `toml:"log" yaml:"log"`
}

// Log configures the global logger.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level" yaml:"level"`

	// Format is "text" for glog-style lines or "json".
	Format string `toml:"format" yaml:"format"`
}

var defaultConfig = Config{
	PhysAllocBegin:  0x100000,
	AvailableMemory: 64 << 20,
	KernelZoneLimit: 16 << 20,
	Zone:            buddy.ZoneUser.String(),
	MapBegin:        0x10000,
	MapEnd:          0x7ffffffff000,
	RefLeakMode:     refs.NoLeakChecking.String(),
	Log: Log{
		Level:  "info",
		Format: "text",
	},
}

// Default returns a new Config holding the default values.
func Default() *Config {
	return deepcopy.Copy(&defaultConfig).(*Config)
}

// Load returns the default Config overlaid with the file at path. The file
// format is chosen by extension: ".toml", ".yaml" or ".yml". Unknown keys are
// an error.
func Load(path string) (*Config, error) {
	c := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("reading %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q for %q", ext, path)
	}
	return c, nil
}

// Validate checks that c describes a machine that can boot.
func (c *Config) Validate() error {
	if !hostarch.IsPageAligned(c.PhysAllocBegin) {
		return fmt.Errorf("phys_alloc_begin %#x is not page-aligned", c.PhysAllocBegin)
	}
	if c.AvailableMemory == 0 {
		return fmt.Errorf("available_memory must not be zero")
	}
	if !hostarch.IsPageAligned(c.AvailableMemory) {
		return fmt.Errorf("available_memory %#x is not page-aligned", c.AvailableMemory)
	}
	if c.PhysAllocBegin+c.AvailableMemory < c.PhysAllocBegin {
		return fmt.Errorf("physical memory [%#x, +%#x) overflows", c.PhysAllocBegin, c.AvailableMemory)
	}
	if !hostarch.IsPageAligned(c.KernelZoneLimit) {
		return fmt.Errorf("kernel_zone_limit %#x is not page-aligned", c.KernelZoneLimit)
	}
	typ, err := c.ZoneType()
	if err != nil {
		return err
	}
	if c.zonePages(typ) == 0 {
		return fmt.Errorf("zone %q is empty: memory [%#x, +%#x), kernel_zone_limit %#x", c.Zone, c.PhysAllocBegin, c.AvailableMemory, c.KernelZoneLimit)
	}
	if l := c.Layout(); !l.WellFormed() || l.Length() == 0 || !l.IsPageAligned() {
		return fmt.Errorf("invalid mapping layout %v", l)
	}
	if _, err := c.LeakMode(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// zonePages returns the number of pages the allocator assigns to zone typ,
// metadata included.
func (c *Config) zonePages(typ buddy.ZoneType) uint64 {
	begin, end := c.PhysAllocBegin, c.PhysAllocBegin+c.AvailableMemory
	kernelEnd := min(end, max(begin, c.KernelZoneLimit))
	switch typ {
	case buddy.ZoneKernel:
		return (kernelEnd - begin) / hostarch.PageSize
	case buddy.ZoneUser:
		return (end - kernelEnd) / hostarch.PageSize
	default:
		return 0
	}
}

// MemoryMap returns the memory map passed to buddy.Init.
func (c *Config) MemoryMap() buddy.MemoryMap {
	return buddy.MemoryMap{
		PhysAllocBegin:  hostarch.PhysAddr(c.PhysAllocBegin),
		AvailableMemory: c.AvailableMemory,
	}
}

// BuddyOpts returns the allocator options.
func (c *Config) BuddyOpts() buddy.Opts {
	return buddy.Opts{KernelZoneLimit: hostarch.PhysAddr(c.KernelZoneLimit)}
}

// ZoneType returns the parsed Zone.
func (c *Config) ZoneType() (buddy.ZoneType, error) {
	return buddy.ParseZoneType(c.Zone)
}

// Layout returns the range of addresses available to mappings.
func (c *Config) Layout() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(c.MapBegin), End: hostarch.Addr(c.MapEnd)}
}

// LeakMode returns the parsed RefLeakMode.
func (c *Config) LeakMode() (refs.LeakMode, error) {
	for m := refs.NoLeakChecking; m <= refs.LeaksPanic; m++ {
		if m.String() == c.RefLeakMode {
			return m, nil
		}
	}
	return refs.NoLeakChecking, fmt.Errorf("invalid ref leak mode %q", c.RefLeakMode)
}

// Emitter returns a log emitter writing to w in the configured format.
func (c *Config) Emitter(w io.Writer) log.Emitter {
	if c.Log.Format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
}

// Setup configures the global logger and the reference leak checker from c.
//
// Preconditions: c.Validate() == nil.
func (c *Config) Setup(w io.Writer) {
	log.SetTarget(c.Emitter(w))
	level, _ := log.ParseLevel(c.Log.Level)
	log.SetLevel(level)
	mode, _ := c.LeakMode()
	refs.SetLeakMode(mode)
}

// RegisterFlags registers flags overriding the fields of c. Flag defaults are
// the current values of c, so flags must be registered after Load.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(hexFlag{&c.PhysAllocBegin}, "phys-alloc-begin", "first physical address handed to the allocator.")
	f.Var(hexFlag{&c.AvailableMemory}, "available-memory", "bytes of physical memory.")
	f.Var(hexFlag{&c.KernelZoneLimit}, "kernel-zone-limit", "physical address bounding the kernel zone.")
	f.StringVar(&c.Zone, "zone", c.Zone, "zone user mappings allocate from: user, kernel or dma.")
	f.StringVar(&c.RefLeakMode, "ref-leak-mode", c.RefLeakMode, "sets reference leak check mode: disabled (default), log-names, panic.")
	f.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: warning, info or debug.")
	f.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text (default) or json.")
}

// OverrideFromFlags copies into c the value of every flag explicitly set in
// f that RegisterFlags knows about. It lets command-line flags take precedence
// over a file loaded after flag parsing.
func (c *Config) OverrideFromFlags(f *flag.FlagSet) error {
	own := flag.NewFlagSet("config", flag.ContinueOnError)
	c.RegisterFlags(own)
	var err error
	f.Visit(func(fl *flag.Flag) {
		if err != nil || own.Lookup(fl.Name) == nil {
			return
		}
		if setErr := own.Set(fl.Name, fl.Value.String()); setErr != nil {
			err = fmt.Errorf("flag -%s: %w", fl.Name, setErr)
		}
	})
	return err
}

// hexFlag is a flag.Value for sizes and addresses. It accepts any base
// strconv.ParseUint understands and prints in hex.
type hexFlag struct {
	v *uint64
}

// String implements flag.Value.String.
func (h hexFlag) String() string {
	if h.v == nil {
		return "0"
	}
	return fmt.Sprintf("%#x", *h.v)
}

// Set implements flag.Value.Set.
func (h hexFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	*h.v = v
	return nil
}
