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

package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kmem.dev/kmem/pkg/buddy"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/refs"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	// Default hands out copies.
	c.Zone = "kernel"
	c.Log.Level = "debug"
	d := Default()
	assert.Equal(t, "user", d.Zone)
	assert.Equal(t, "info", d.Log.Level)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "machine.toml", `
phys_alloc_begin = 0x200000
available_memory = 0x1000000
zone = "kernel"

[log]
level = "debug"
format = "json"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, buddy.MemoryMap{PhysAllocBegin: 0x200000, AvailableMemory: 0x1000000}, c.MemoryMap())
	typ, err := c.ZoneType()
	require.NoError(t, err)
	assert.Equal(t, buddy.ZoneKernel, typ)
	assert.Equal(t, "json", c.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, defaultConfig.KernelZoneLimit, c.KernelZoneLimit)
	assert.Equal(t, defaultConfig.Layout(), c.Layout())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "machine.yaml", `
available_memory: 8388608
kernel_zone_limit: 0x400000
ref_leak_mode: log-names
map_begin: 0x400000
map_end: 0x800000
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, uint64(8<<20), c.AvailableMemory)
	assert.Equal(t, hostarch.AddrRange{Start: 0x400000, End: 0x800000}, c.Layout())
	mode, err := c.LeakMode()
	require.NoError(t, err)
	assert.Equal(t, refs.LeaksLogWarning, mode)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		file     string
		contents string
		want     string
	}{
		{name: "unknown toml key", file: "c.toml", contents: "memory = 1\n", want: "unknown keys"},
		{name: "unknown yaml key", file: "c.yml", contents: "memory: 1\n", want: "not found"},
		{name: "bad toml", file: "c.toml", contents: "zone = \n", want: "c.toml"},
		{name: "extension", file: "c.json", contents: "{}", want: "unsupported config format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "unaligned begin", modify: func(c *Config) { c.PhysAllocBegin++ }},
		{name: "no memory", modify: func(c *Config) { c.AvailableMemory = 0 }},
		{name: "unaligned memory", modify: func(c *Config) { c.AvailableMemory = hostarch.PageSize + 1 }},
		{name: "overflow", modify: func(c *Config) { c.PhysAllocBegin = ^uint64(0) &^ (hostarch.PageSize - 1) }},
		{name: "unaligned kernel limit", modify: func(c *Config) { c.KernelZoneLimit = 1 }},
		{name: "zone", modify: func(c *Config) { c.Zone = "highmem" }},
		{name: "empty dma zone", modify: func(c *Config) { c.Zone = "dma" }},
		{name: "empty user zone", modify: func(c *Config) { c.KernelZoneLimit = 1 << 30 }},
		{name: "empty layout", modify: func(c *Config) { c.MapEnd = c.MapBegin }},
		{name: "leak mode", modify: func(c *Config) { c.RefLeakMode = "sometimes" }},
		{name: "log level", modify: func(c *Config) { c.Log.Level = "trace" }},
		{name: "log format", modify: func(c *Config) { c.Log.Format = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(f)
	require.NoError(t, f.Parse([]string{
		"-available-memory=0x800000",
		"-phys-alloc-begin=2097152",
		"-zone=kernel",
		"-log-level=warning",
	}))
	assert.Equal(t, uint64(0x800000), c.AvailableMemory)
	assert.Equal(t, uint64(0x200000), c.PhysAllocBegin)
	assert.Equal(t, "kernel", c.Zone)
	assert.Equal(t, "warning", c.Log.Level)
	assert.Equal(t, "0x800000", f.Lookup("available-memory").Value.String())

	assert.Error(t, f.Set("available-memory", "lots"))
}

func TestOverrideFromFlags(t *testing.T) {
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	Default().RegisterFlags(f)
	f.String("config", "", "unrelated flag")
	require.NoError(t, f.Parse([]string{"-config=machine.toml", "-zone=kernel", "-kernel-zone-limit=0x2000000"}))

	path := writeFile(t, "machine.toml", "zone = \"user\"\navailable_memory = 0x4000000\n")
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.OverrideFromFlags(f))

	assert.Equal(t, "kernel", c.Zone)
	assert.Equal(t, uint64(0x2000000), c.KernelZoneLimit)
	assert.Equal(t, uint64(0x4000000), c.AvailableMemory, "value from file must survive")
}

func TestSetup(t *testing.T) {
	defer log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: os.Stderr}})
	defer log.SetLevel(log.Info)
	defer refs.SetLeakMode(refs.GetLeakMode())

	c := Default()
	c.Log.Format = "json"
	c.Log.Level = "debug"
	c.RefLeakMode = "log-names"
	require.NoError(t, c.Validate())

	var buf bytes.Buffer
	c.Setup(&buf)
	log.Debugf("hello %d", 42)

	assert.True(t, log.IsLogging(log.Debug))
	assert.Equal(t, refs.LeaksLogWarning, refs.GetLeakMode())
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"), "output %q is not json", out)
	assert.Contains(t, out, "hello 42")
}
