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


// Package config provides basic infrastructure to set configuration settings
// for vcudad. The configuration is set by flags to the command line, and may
// be seeded from a TOML file named by --config.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mohae/deepcopy"
	"gvisor.dev/vcuda/pkg/guestmem"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/pkg/vcuda"
)

// Config holds configuration that is not part of the guest requests.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
//  5. If adding a config option to the TOML file, nothing else is needed:
//     top-level file keys are flag names.
type Config struct {
	// ConfigFile is the TOML file the flags are seeded from.
	ConfigFile string `flag:"config"`

	// Driver selects the native driver backend.
	Driver DriverType `flag:"driver"`

	// SimDevices is the number of devices exposed by the simulated driver.
	SimDevices int `flag:"sim-devices"`

	// SimMemory is the global memory size of each simulated device.
	SimMemory ByteSize `flag:"sim-memory"`

	// BlockSize is the side channel block size until the guest sends Open.
	BlockSize ByteSize `flag:"block-size"`

	// FunctionCapacity is the number of kernel functions per device.
	FunctionCapacity int `flag:"function-capacity"`

	// StreamCapacity is the size of the stream table, including the
	// reserved slot 0.
	StreamCapacity int `flag:"stream-capacity"`

	// EventCapacity is the size of the event table.
	EventCapacity int `flag:"event-capacity"`

	// ChunkCap is the largest chunk of a side channel transfer.
	ChunkCap ByteSize `flag:"chunk-cap"`

	// BackingDir is where MmapCtl creates backing files.
	BackingDir string `flag:"backing-dir"`

	// VMID names backing files. Zero selects the daemon's PID.
	VMID int `flag:"vm-id"`

	// Memory lists the guest-physical memory regions.
	Memory MemoryRegions `flag:"memory"`

	// TransportFD is the file descriptor of the request stream. -1 selects
	// stdin and stdout.
	TransportFD int `flag:"transport-fd"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// LogLevel is the lowest level that is logged.
	LogLevel string `flag:"log-level"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MetricsFile is where serve writes metrics in Prometheus text format
	// when the session ends.
	MetricsFile string `flag:"metrics-file"`
}

// Level returns the log level selected by --log-level and --debug.
func (c *Config) Level() log.Level {
	if c.Debug {
		return log.Debug
	}
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Info
	}
	return l
}

func (c *Config) validate() error {
	if c.SimDevices <= 0 {
		return fmt.Errorf("sim-devices must be positive: %d", c.SimDevices)
	}
	if ps := ByteSize(guestmem.PageSize); c.BlockSize == 0 || c.BlockSize%ps != 0 {
		return fmt.Errorf("block-size must be a positive multiple of the page size %d: %d", ps, c.BlockSize)
	}
	if c.ChunkCap == 0 {
		return fmt.Errorf("chunk-cap must be positive")
	}
	if c.FunctionCapacity <= 0 {
		return fmt.Errorf("function-capacity must be positive: %d", c.FunctionCapacity)
	}
	if c.StreamCapacity < 2 {
		return fmt.Errorf("stream-capacity must be at least 2: %d", c.StreamCapacity)
	}
	if c.EventCapacity <= 0 {
		return fmt.Errorf("event-capacity must be positive: %d", c.EventCapacity)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	for i, r := range c.Memory {
		if err := r.validate(); err != nil {
			return fmt.Errorf("memory region %d: %w", i, err)
		}
	}
	return nil
}

// SessionOptions returns the session options selected by c. The driver and
// guest memory are left for the caller.
func (c *Config) SessionOptions() vcuda.Options {
	return vcuda.Options{
		BlockSize:        uint64(c.BlockSize),
		FunctionCapacity: c.FunctionCapacity,
		StreamCapacity:   c.StreamCapacity,
		EventCapacity:    c.EventCapacity,
		ChunkCap:         uint64(c.ChunkCap),
		BackingDir:       c.BackingDir,
		PID:              c.VMID,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	snap := deepcopy.Copy(c).(*Config)
	regions := snap.Memory
	snap.Memory = nil

	log.Infof("Config:")
	obj := reflect.ValueOf(snap).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || name == "memory" {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
	var total uint64
	for _, r := range regions {
		total += uint64(r.Size)
	}
	log.Infof("\tmemory: %d regions, %s", len(regions), humanize.IBytes(total))
	for _, r := range regions {
		log.Debugf("\t\t%s", r)
	}
}

// DriverType selects the native driver.
type DriverType int

const (
	// DriverSim runs kernels on the simulated GPU.
	DriverSim DriverType = iota

	// DriverCUDA binds libcuda at runtime.
	DriverCUDA
)

func driverTypePtr(v DriverType) *DriverType {
	return &v
}

// Set implements flag.Value.Set.
func (d *DriverType) Set(v string) error {
	switch v {
	case "sim":
		*d = DriverSim
	case "cuda":
		*d = DriverCUDA
	default:
		return fmt.Errorf("invalid driver type %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (d *DriverType) Get() any {
	return *d
}

// String implements flag.Value.String.
func (d DriverType) String() string {
	switch d {
	case DriverSim:
		return "sim"
	case DriverCUDA:
		return "cuda"
	}
	panic(fmt.Sprintf("Invalid driver type %d", d))
}

// ByteSize is a size in bytes written in human form, such as "4MiB".
type ByteSize uint64

func byteSizePtr(v ByteSize) *ByteSize {
	return &v
}

// Set implements flag.Value.Set.
func (b *ByteSize) Set(v string) error {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Get implements flag.Getter.Get.
func (b *ByteSize) Get() any {
	return *b
}

// String implements flag.Value.String.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

// MemoryRegion describes one guest-physical memory region.
type MemoryRegion struct {
	// Path is the file exported by the hypervisor holding the region. Empty
	// selects anonymous memory.
	Path string `toml:"path"`

	// Offset is the region's offset in Path.
	Offset int64 `toml:"offset"`

	// GPA is the guest-physical address of the region.
	GPA uint64 `toml:"gpa"`

	// Size is the region length.
	Size ByteSize `toml:"size"`

	// Kind is "ram" or "rom".
	Kind string `toml:"kind"`
}

func (r MemoryRegion) validate() error {
	if r.Size == 0 {
		return fmt.Errorf("size must be positive")
	}
	ps := uint64(guestmem.PageSize)
	if r.GPA%ps != 0 {
		return fmt.Errorf("gpa %#x is not page aligned", r.GPA)
	}
	if r.Offset < 0 || uint64(r.Offset)%ps != 0 {
		return fmt.Errorf("offset %#x is not page aligned", r.Offset)
	}
	if r.GPA+uint64(r.Size) < r.GPA {
		return fmt.Errorf("region [%#x, +%#x) overflows", r.GPA, uint64(r.Size))
	}
	if _, err := guestmem.ParseKind(r.Kind); err != nil {
		return err
	}
	return nil
}

// String returns the flag form of r.
func (r MemoryRegion) String() string {
	s := fmt.Sprintf("%#x:%d", r.GPA, uint64(r.Size))
	if r.Path != "" {
		s += ":" + r.Path
		if r.Offset != 0 {
			s += "@" + strconv.FormatInt(r.Offset, 10)
		}
	}
	return s
}

// ParseMemoryRegion parses "gpa:size[:path[@offset]]".
func ParseMemoryRegion(s string) (MemoryRegion, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return MemoryRegion{}, fmt.Errorf("invalid memory region %q, want gpa:size[:path[@offset]]", s)
	}
	var r MemoryRegion
	gpa, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return MemoryRegion{}, fmt.Errorf("invalid memory region %q: %w", s, err)
	}
	r.GPA = gpa
	if err := r.Size.Set(parts[1]); err != nil {
		return MemoryRegion{}, fmt.Errorf("invalid memory region %q: %w", s, err)
	}
	if len(parts) == 3 {
		r.Path = parts[2]
		if at := strings.LastIndexByte(r.Path, '@'); at >= 0 {
			off, err := strconv.ParseInt(r.Path[at+1:], 0, 64)
			if err != nil {
				return MemoryRegion{}, fmt.Errorf("invalid memory region %q: %w", s, err)
			}
			r.Path, r.Offset = r.Path[:at], off
		}
	}
	return r, nil
}

// MemoryRegions is a flag accumulating memory regions.
type MemoryRegions []MemoryRegion

// Set implements flag.Value.Set.
func (m *MemoryRegions) Set(v string) error {
	r, err := ParseMemoryRegion(v)
	if err != nil {
		return err
	}
	*m = append(*m, r)
	return nil
}

// Get implements flag.Getter.Get.
func (m *MemoryRegions) Get() any {
	return append(MemoryRegions(nil), *m...)
}

// String implements flag.Value.String.
func (m MemoryRegions) String() string {
	parts := make([]string, 0, len(m))
	for _, r := range m {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
