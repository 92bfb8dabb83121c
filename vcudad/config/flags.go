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


package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vcuda/pkg/vcuda"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file whose top-level keys are flag names. Flags set on the command line take precedence.")

	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %PID% is replaced with the daemon's PID.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("log-level", "info", "log level: warning, info (default) or debug.")
	flagSet.Bool("debug", false, "enable debug logging, same as --log-level=debug.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as --log.")
	flagSet.String("metrics-file", "", "file path where request metrics are written in Prometheus text format when a session ends.")

	// Driver flags.
	flagSet.Var(driverTypePtr(DriverSim), "driver", "native driver: sim (default) or cuda.")
	flagSet.Int("sim-devices", 1, "number of devices exposed by the simulated driver.")
	flagSet.Var(byteSizePtr(1<<30), "sim-memory", "global memory of each simulated device.")

	// Session flags.
	flagSet.Var(byteSizePtr(vcuda.DefaultBlockSize), "block-size", "side channel block size until the guest sends Open.")
	flagSet.Int("function-capacity", vcuda.DefaultFunctionCapacity, "kernel function slots per device.")
	flagSet.Int("stream-capacity", vcuda.DefaultStreamCapacity, "stream table size, including the reserved slot 0.")
	flagSet.Int("event-capacity", vcuda.DefaultEventCapacity, "event table size.")
	flagSet.Var(byteSizePtr(vcuda.DefaultChunkCap), "chunk-cap", "largest chunk of a side channel transfer.")
	flagSet.String("backing-dir", "", "directory holding backing files, default is the system temporary directory.")
	flagSet.Int("vm-id", 0, "ID used to name backing files, default is the daemon's PID.")

	// Guest flags.
	flagSet.Var(&MemoryRegions{}, "memory", "guest memory region as gpa:size[:path[@offset]]; may be repeated. Without a path the region is anonymous memory.")
	flagSet.Int("transport-fd", -1, "file descriptor carrying framed requests and responses, default is stdin and stdout.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is set, from the file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	var fileRegions []MemoryRegion
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		var err error
		if fileRegions, err = applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
	conf.Memory = append(MemoryRegions(fileRegions), conf.Memory...)

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets every flag named by a top-level key of the TOML file at path
// that was not set on the command line, and returns the file's [[memory]]
// regions.
func applyFile(flagSet *flag.FlagSet, path string) ([]MemoryRegion, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("error reading config file %q: %w", path, err)
	}
	var file struct {
		Memory []MemoryRegion `toml:"memory"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("error reading config file %q: %w", path, err)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		switch name {
		case "memory":
			continue
		case "config":
			return nil, fmt.Errorf("config file %q: key %q is not allowed", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return nil, fmt.Errorf("config file %q: unknown key %q", path, name)
		}
		if set[name] {
			continue
		}
		if err := fl.Value.Set(tomlString(raw[name])); err != nil {
			return nil, fmt.Errorf("config file %q: error setting %s=%v: %w", path, name, raw[name], err)
		}
	}
	return file.Memory, nil
}

func tomlString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
