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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver/simgpu"
	"gvisor.dev/vcuda/pkg/guestmem"
	"gvisor.dev/vcuda/pkg/transport"
	"gvisor.dev/vcuda/vcudad/config"
)

func newConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestMapMemory(t *testing.T) {
	ps := uint64(guestmem.PageSize)
	path := filepath.Join(t.TempDir(), "ram")
	if err := os.WriteFile(path, make([]byte, 3*ps), 0644); err != nil {
		t.Fatal(err)
	}
	regions := []config.MemoryRegion{
		{GPA: 0, Size: config.ByteSize(2 * ps)},
		{GPA: 0x100000, Size: config.ByteSize(2 * ps), Path: path, Offset: int64(ps)},
		{GPA: 0x200000, Size: config.ByteSize(ps), Kind: "rom"},
	}
	m, unmap, err := mapMemory(regions)
	if err != nil {
		t.Fatalf("mapMemory: %v", err)
	}
	defer unmap()

	b, err := m.Translate(0x100000, 5)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	copy(b, "hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data[ps : ps+5]); got != "hello" {
		t.Errorf("file contents at the region offset = %q, want %q", got, "hello")
	}
	if _, err := m.Translate(0x200000, 1); err == nil {
		t.Errorf("Translate of a ROM region succeeded")
	}
	if _, err := m.Translate(2*ps, 1); err == nil {
		t.Errorf("Translate past the anonymous region succeeded")
	}
}

func TestMapMemoryErrors(t *testing.T) {
	ps := config.ByteSize(guestmem.PageSize)
	for _, tc := range []struct {
		name    string
		regions []config.MemoryRegion
	}{
		{"overlap", []config.MemoryRegion{{GPA: 0, Size: 2 * ps}, {GPA: uint64(ps), Size: ps}}},
		{"missing file", []config.MemoryRegion{{GPA: 0, Size: ps, Path: "/nonexistent/ram"}}},
		{"bad kind", []config.MemoryRegion{{GPA: 0, Size: ps, Kind: "flash"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := mapMemory(tc.regions); err == nil {
				t.Errorf("mapMemory succeeded, want error")
			}
		})
	}
}

func TestListDevices(t *testing.T) {
	drv := simgpu.New(simgpu.Options{NumDevices: 2, MemoryPerDevice: 64 << 20})
	defer drv.Close()

	var text bytes.Buffer
	if err := listDevices(&text, drv, "text"); err != nil {
		t.Fatalf("listDevices: %v", err)
	}
	for _, want := range []string{"Simulated GPU 0", "1: Simulated GPU 1, 64 MiB, compute 8.0"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output lacks %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := listDevices(&js, drv, "json"); err != nil {
		t.Fatalf("listDevices: %v", err)
	}
	var devs []deviceInfo
	if err := json.Unmarshal(js.Bytes(), &devs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(devs) != 2 || devs[1].Index != 1 || devs[1].TotalGlobalMem != 64<<20 {
		t.Errorf("json output = %+v", devs)
	}

	if err := listDevices(io.Discard, drv, "yaml"); err == nil {
		t.Errorf("listDevices with an unknown format succeeded")
	}
}

func TestCollectBackingFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"vm1_a", "vm2_b", "vm3_c0", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "vm4_d"), 0755); err != nil {
		t.Fatal(err)
	}
	held := flock.New(filepath.Join(dir, "vm2_b"))
	if ok, err := held.TryLock(); !ok || err != nil {
		t.Fatalf("TryLock: %t, %v", ok, err)
	}
	defer held.Unlock()

	want := []string{filepath.Join(dir, "vm1_a"), filepath.Join(dir, "vm3_c0")}
	stale, err := collectBackingFiles(dir, true)
	if err != nil {
		t.Fatalf("collectBackingFiles: %v", err)
	}
	sort.Strings(stale)
	if diff := cmp.Diff(want, stale); diff != "" {
		t.Errorf("dry run mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(want[0]); err != nil {
		t.Errorf("dry run removed %q: %v", want[0], err)
	}

	stale, err = collectBackingFiles(dir, false)
	if err != nil {
		t.Fatalf("collectBackingFiles: %v", err)
	}
	sort.Strings(stale)
	if diff := cmp.Diff(want, stale); diff != "" {
		t.Errorf("collection mismatch (-want +got):\n%s", diff)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if diff := cmp.Diff([]string{"notes.txt", "vm2_b", "vm4_d"}, left); diff != "" {
		t.Errorf("remaining files mismatch (-want +got):\n%s", diff)
	}
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	metrics := filepath.Join(dir, "metrics.txt")
	conf := newConfig(t,
		"--sim-devices=2",
		"--sim-memory=16MiB",
		"--memory=0x0:1MiB",
		"--backing-dir="+dir,
		"--metrics-file="+metrics,
	)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), conf, reqR, respW, func() { reqR.Close() })
		respW.Close()
	}()

	reqs := []abi.Record{
		{Cmd: abi.CmdRegisterFatBinary},
		{Cmd: abi.CmdGetDeviceCount},
		{Cmd: abi.CmdMalloc, Flag: 4096},
	}
	go func() {
		for _, r := range reqs {
			if err := transport.WriteRequest(reqW, r.Encode(), abi.SizeofRecord); err != nil {
				t.Errorf("WriteRequest: %v", err)
				return
			}
		}
		reqW.Close()
	}()

	var got []abi.Record
	for range reqs {
		resp, err := transport.ReadResponse(respR)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		r, err := abi.DecodeRecord(resp)
		if err != nil {
			t.Fatalf("DecodeRecord: %v", err)
		}
		got = append(got, r)
	}
	for i, r := range got {
		if r.Status() != abi.StatusSuccess {
			t.Errorf("response %d status = %v", i, r.Status())
		}
	}
	if got[1].PA != 2 {
		t.Errorf("GetDeviceCount = %d, want 2", got[1].PA)
	}
	if got[2].PA == 0 {
		t.Errorf("Malloc returned a null device address")
	}

	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	if !bytes.Contains(data, []byte("vcuda_requests")) {
		t.Errorf("metrics file lacks vcuda_requests:\n%s", data)
	}
}

func TestServeBadConfig(t *testing.T) {
	ps := guestmem.PageSize
	conf := newConfig(t)
	conf.Memory = config.MemoryRegions{
		{GPA: 0, Size: config.ByteSize(2 * ps)},
		{GPA: uint64(ps), Size: config.ByteSize(ps)},
	}
	if err := serve(context.Background(), conf, strings.NewReader(""), io.Discard, func() {}); err == nil {
		t.Errorf("serve with overlapping memory succeeded")
	}
}
