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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/pkg/vcuda"
	"gvisor.dev/vcuda/vcudad/cmd/util"
	"gvisor.dev/vcuda/vcudad/config"
)

// GC implements subcommands.Command for the "gc" command.
type GC struct {
	dryRun bool
}

// Name implements subcommands.Command.Name.
func (*GC) Name() string {
	return "gc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*GC) Synopsis() string {
	return "remove backing files left behind by dead sessions"
}

// Usage implements subcommands.Command.Usage.
func (*GC) Usage() string {
	return `gc [-dry-run] - remove backing files in --backing-dir that no session holds
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (g *GC) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&g.dryRun, "dry-run", false, "only print the files that would be removed.")
}

// Execute implements subcommands.Command.Execute.
func (g *GC) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	dir := conf.BackingDir
	if dir == "" {
		dir = os.TempDir()
	}

	stale, err := collectBackingFiles(dir, g.dryRun)
	for _, path := range stale {
		fmt.Fprintln(os.Stdout, path)
	}
	if err != nil {
		util.Fatalf("gc: %v", err)
	}
	return subcommands.ExitSuccess
}

// collectBackingFiles removes the backing files in dir whose lock is free and
// returns their paths. With dryRun the files are only reported.
func collectBackingFiles(dir string, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !vcuda.IsBackingFileName(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		lock := flock.New(path)
		locked, err := lock.TryLock()
		if err != nil {
			log.Warningf("Locking %q: %v", path, err)
			continue
		}
		if !locked {
			log.Debugf("Backing file %q is in use", path)
			continue
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				lock.Unlock()
				return stale, err
			}
		}
		lock.Unlock()
		stale = append(stale, path)
	}
	return stale, nil
}
