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


// Package cmd holds implementations of the vcudad commands.
package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"gvisor.dev/vcuda/pkg/cleanup"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/driver/cudadrv"
	"gvisor.dev/vcuda/pkg/driver/simgpu"
	"gvisor.dev/vcuda/pkg/guestmem"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/vcudad/config"
)

// newDriver opens the driver selected by conf. The caller must close it.
func newDriver(conf *config.Config) (driver.Driver, error) {
	switch conf.Driver {
	case config.DriverSim:
		return simgpu.New(simgpu.Options{
			NumDevices:      conf.SimDevices,
			MemoryPerDevice: uint64(conf.SimMemory),
		}), nil
	case config.DriverCUDA:
		d, err := cudadrv.Open()
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver %v", conf.Driver)
	}
}

// mapMemory maps every region and builds the guest memory map. The returned
// function unmaps them.
func mapMemory(regions []config.MemoryRegion) (*guestmem.Map, func(), error) {
	m := guestmem.NewMap()
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	for _, r := range regions {
		kind, err := guestmem.ParseKind(r.Kind)
		if err != nil {
			return nil, nil, err
		}
		var mem []byte
		if r.Path == "" {
			mem, err = guestmem.AllocRAM(uint64(r.Size))
		} else {
			mem, err = guestmem.MapFile(r.Path, r.Offset, uint64(r.Size))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("mapping memory region %s: %w", r, err)
		}
		cu.Add(func() {
			if err := guestmem.Free(mem); err != nil {
				log.Warningf("Unmapping memory region %s: %v", r, err)
			}
		})
		if err := m.Add(guestmem.Region{GPA: r.GPA, Mem: mem, Kind: kind}); err != nil {
			return nil, nil, fmt.Errorf("adding memory region %s: %w", r, err)
		}
		log.Infof("Guest memory [%#x, %#x) %s, %s", r.GPA, r.GPA+uint64(r.Size), kind, humanize.IBytes(uint64(r.Size)))
	}
	return m, cu.Release(), nil
}
