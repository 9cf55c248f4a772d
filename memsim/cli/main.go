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

// Package cli is the main entrypoint for memsim.
package cli

import (
	"context"
	"flag"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"kmem.dev/kmem/memsim/cmd"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/refs"
)

var configPath = flag.String("config", "", "path to a TOML or YAML machine configuration. Flags override its values.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line. Defaults shown by -help are the
	// built-in ones.
	conf := config.Default()
	conf.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		if err := conf.OverrideFromFlags(flag.CommandLine); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("invalid configuration: %v", err)
	}
	conf.Setup(os.Stderr)

	log.Infof("memsim %s/%s, %d CPUs, PID %d", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Debugf("Config: %+v", *conf)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	refs.DoRepeatedLeakCheck()
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by memsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Zones), "")
	cb(new(cmd.Stress), "")
	cb(new(cmd.COW), "")
}
