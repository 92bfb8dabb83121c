// Copyright 2026 The gVisor Authors.
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


// Package cli is the main entrypoint for vcudad.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/vcudad/cmd"
	"gvisor.dev/vcuda/vcudad/cmd/util"
	"gvisor.dev/vcuda/vcudad/config"
)

// version is set at link time.
var version = "devel"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "vcudad version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// The transport may be stdout, so logs default to stderr.
	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		util.ErrorLogger = f
	}
	emitters := log.MultiEmitter{newEmitter(conf.LogFormat, logFile)}
	if conf.AlsoLogToStderr && logFile != io.Writer(os.Stderr) {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	log.SetLevel(conf.Level())

	const delimString = `**************** vcudad ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by vcudad.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Serve), "")
	cb(new(cmd.Devices), "")

	const helperGroup = "helpers"
	cb(new(cmd.GC), helperGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
