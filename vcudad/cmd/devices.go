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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/vcudad/cmd/util"
	"gvisor.dev/vcuda/vcudad/config"
)

// Devices implements subcommands.Command for the "devices" command.
type Devices struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Devices) Name() string {
	return "devices"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Devices) Synopsis() string {
	return "list the devices of the selected driver"
}

// Usage implements subcommands.Command.Usage.
func (*Devices) Usage() string {
	return `devices [-format=text|json] - list devices and their properties
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Devices) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "text", "output format: text (default) or json.")
}

// Execute implements subcommands.Command.Execute.
func (d *Devices) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	drv, err := newDriver(conf)
	if err != nil {
		util.Fatalf("opening driver: %v", err)
	}
	defer drv.Close()
	if err := listDevices(os.Stdout, drv, d.format); err != nil {
		util.Fatalf("listing devices: %v", err)
	}
	return subcommands.ExitSuccess
}

// deviceInfo is the JSON form of one device.
type deviceInfo struct {
	Index               int      `json:"index"`
	Name                string   `json:"name"`
	TotalGlobalMem      uint64   `json:"totalGlobalMem"`
	SharedMemPerBlock   uint64   `json:"sharedMemPerBlock"`
	WarpSize            int32    `json:"warpSize"`
	MaxThreadsPerBlock  int32    `json:"maxThreadsPerBlock"`
	MaxThreadsDim       [3]int32 `json:"maxThreadsDim"`
	MaxGridSize         [3]int32 `json:"maxGridSize"`
	ComputeCapability   string   `json:"computeCapability"`
	MultiProcessorCount int32    `json:"multiProcessorCount"`
}

func listDevices(w io.Writer, drv driver.Driver, format string) error {
	if err := drv.Init(); err != nil {
		return err
	}
	n, err := drv.DeviceCount()
	if err != nil {
		return err
	}
	devs := make([]deviceInfo, 0, n)
	for i := 0; i < n; i++ {
		p, err := drv.DeviceProperties(driver.Device(i))
		if err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		devs = append(devs, deviceInfo{
			Index:               i,
			Name:                p.NameString(),
			TotalGlobalMem:      p.TotalGlobalMem,
			SharedMemPerBlock:   p.SharedMemPerBlock,
			WarpSize:            p.WarpSize,
			MaxThreadsPerBlock:  p.MaxThreadsPerBlock,
			MaxThreadsDim:       p.MaxThreadsDim,
			MaxGridSize:         p.MaxGridSize,
			ComputeCapability:   fmt.Sprintf("%d.%d", p.Major, p.Minor),
			MultiProcessorCount: p.MultiProcessorCount,
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devs)
	case "text":
		drvVersion, rtVersion, err := drv.Versions()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "driver version %d, runtime version %d\n", drvVersion, rtVersion)
		for _, d := range devs {
			fmt.Fprintf(w, "%d: %s, %s, compute %s, %d SMs\n", d.Index, d.Name, humanize.IBytes(d.TotalGlobalMem), d.ComputeCapability, d.MultiProcessorCount)
		}
		return nil
	default:
		return fmt.Errorf("invalid format %q, must be 'text' or 'json'", format)
	}
}
