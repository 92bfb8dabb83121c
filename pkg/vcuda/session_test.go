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

package vcuda

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/driver/simgpu"
	"gvisor.dev/vcuda/pkg/guestmem"
)

const (
	ramBase = 0x10000000
	ramSize = 32 << 20
)

// harness is a session over simulated devices and anonymous guest RAM.
type harness struct {
	t    *testing.T
	gpu  *simgpu.GPU
	ram  []byte
	next uint64
	s    *Session
}

type harnessOpts struct {
	devices int
	session func(*Options)
	gpu     func(*simgpu.Options)
	wrap    func(*simgpu.GPU) driver.Driver
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	if ho.devices == 0 {
		ho.devices = 1
	}
	ram, err := guestmem.AllocRAM(ramSize)
	if err != nil {
		t.Fatalf("AllocRAM: %v", err)
	}
	t.Cleanup(func() { guestmem.Free(ram) })
	mem := guestmem.NewMap()
	if err := mem.Add(guestmem.Region{GPA: ramBase, Mem: ram, Kind: guestmem.RAM}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	gopts := simgpu.Options{NumDevices: ho.devices, MemoryPerDevice: 64 << 20}
	if ho.gpu != nil {
		ho.gpu(&gopts)
	}
	gpu := simgpu.New(gopts)
	var drv driver.Driver = gpu
	if ho.wrap != nil {
		drv = ho.wrap(gpu)
	}
	opts := Options{Driver: drv, Memory: mem, BackingDir: t.TempDir()}
	if ho.session != nil {
		ho.session(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &harness{t: t, gpu: gpu, ram: ram, next: ramBase, s: s}
}

// alloc reserves n bytes of guest RAM at a page-aligned address.
func (h *harness) alloc(n uint64) uint64 {
	h.t.Helper()
	gpa := h.next
	ps := uint64(guestmem.PageSize)
	h.next += (n + ps - 1) &^ (ps - 1)
	if h.next > ramBase+ramSize {
		h.t.Fatalf("guest RAM exhausted")
	}
	return gpa
}

// guest returns the host view of [gpa, gpa+n).
func (h *harness) guest(gpa, n uint64) []byte {
	return h.ram[gpa-ramBase : gpa-ramBase+n]
}

// put copies data into fresh guest RAM and returns its address.
func (h *harness) put(data []byte) uint64 {
	gpa := h.alloc(uint64(len(data)))
	copy(h.guest(gpa, uint64(len(data))), data)
	return gpa
}

func (h *harness) call(r abi.Record) abi.Record {
	h.s.Handle(&r)
	return r
}

func (h *harness) must(r abi.Record) abi.Record {
	h.t.Helper()
	cmd := r.Cmd
	got := h.call(r)
	if got.Status() != abi.StatusSuccess {
		h.t.Fatalf("%v: got status %v, want success", cmd, got.Status())
	}
	return got
}

func (h *harness) expect(r abi.Record, want abi.Status) abi.Record {
	h.t.Helper()
	cmd := r.Cmd
	got := h.call(r)
	if got.Status() != want {
		h.t.Fatalf("%v: got status %v, want %v", cmd, got.Status(), want)
	}
	return got
}

func (h *harness) initSession() {
	h.t.Helper()
	h.must(abi.Record{Cmd: abi.CmdRegisterFatBinary})
}

func (h *harness) registerRecord(id uint32, kernel string) abi.Record {
	image := h.put(simgpu.FatBinary(kernel))
	name := h.put(append([]byte(kernel), 0))
	return abi.Record{Cmd: abi.CmdRegisterFunction, Flag: id, PA: image, PB: name}
}

func (h *harness) register(id uint32, kernel string) {
	h.t.Helper()
	h.must(h.registerRecord(id, kernel))
}

func (h *harness) malloc(n uint32) uint64 {
	h.t.Helper()
	return h.must(abi.Record{Cmd: abi.CmdMalloc, Flag: n}).PA
}

func (h *harness) launchRecord(id uint32, threads, stream uint64, params ...[]byte) abi.Record {
	cfg := abi.LaunchConfig{GridX: 1, GridY: 1, GridZ: 1, BlockX: threads, BlockY: 1, BlockZ: 1, Stream: stream}
	cfgGPA := h.alloc(abi.SizeofLaunchConfig)
	cfg.MarshalBytes(h.guest(cfgGPA, abi.SizeofLaunchConfig))
	pbuf := abi.EncodeParams(params...)
	return abi.Record{Cmd: abi.CmdLaunch, Flag: id, PA: cfgGPA, PB: h.put(pbuf), PBSize: uint32(len(pbuf))}
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func floats(vs ...float32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// toDevice copies data to device memory at p through a contiguous guest
// buffer.
func (h *harness) toDevice(p uint64, data []byte) {
	h.t.Helper()
	h.must(abi.Record{Cmd: abi.CmdMemcpy, Flag: uint32(abi.MemcpyHostToDevice), PA: p, PB: h.put(data), PBSize: uint32(len(data)), Para: 1})
}

// fromDevice copies n bytes of device memory at p into guest memory.
func (h *harness) fromDevice(p uint64, n uint32) []byte {
	h.t.Helper()
	gpa := h.alloc(uint64(n))
	h.must(abi.Record{Cmd: abi.CmdMemcpy, Flag: uint32(abi.MemcpyDeviceToHost), PA: gpa, PASize: n, PB: p, Para: 1})
	return append([]byte(nil), h.guest(gpa, uint64(n))...)
}

func TestStatusOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want abi.Status
	}{
		{nil, abi.StatusSuccess},
		{&guestmem.TranslationError{GPA: 1, Length: 1, Reason: "unmapped"}, abi.StatusInvalidHostPointer},
		{fmt.Errorf("x: %w", ErrInvalidDeviceIndex), abi.StatusInvalidDevice},
		{fmt.Errorf("x: %w", ErrInvalidHandle), abi.StatusInvalidResourceHandle},
		{ErrMalformedArgumentBuffer, abi.StatusInvalidValue},
		{abi.ErrShortBuffer, abi.StatusInvalidValue},
		{ErrNoBufferWritten, abi.StatusNoBufferWritten},
		{ErrCapacityExceeded, abi.StatusMemoryAllocation},
		{ErrNotInitialized, abi.StatusInitializationError},
		{fmt.Errorf("alloc: %w", driver.Check("cuMemAlloc", driver.ErrorOutOfMemory)), abi.StatusMemoryAllocation},
		{driver.Check("cuLaunchKernel", driver.ErrorLaunchFailed), abi.Status(719)},
		{statusError(abi.StatusNotReady), abi.StatusNotReady},
		{errors.New("something else"), abi.StatusUnknown},
	} {
		if got := StatusOf(tc.err); got != tc.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestTable(t *testing.T) {
	tbl := newTable[string]("stream", 4, true)
	var got []uint64
	for _, v := range []string{"a", "b", "c"} {
		idx, err := tbl.insert(v)
		if err != nil {
			t.Fatalf("insert(%q): %v", v, err)
		}
		got = append(got, idx)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, got); diff != "" {
		t.Errorf("indices mismatch (-want +got):\n%s", diff)
	}
	if _, err := tbl.insert("d"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("insert into full table: got %v, want %v", err, ErrCapacityExceeded)
	}
	if _, err := tbl.get(0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("get(0): got %v, want %v", err, ErrInvalidHandle)
	}
	if v, err := tbl.remove(2); err != nil || v != "b" {
		t.Errorf("remove(2) = %q, %v, want b", v, err)
	}
	if _, err := tbl.get(2); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("get(removed): got %v, want %v", err, ErrInvalidHandle)
	}
	if idx, err := tbl.insert("e"); err != nil || idx != 2 {
		t.Errorf("insert after remove = %d, %v, want 2", idx, err)
	}
	if n := tbl.len(); n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
	tbl.reset()
	if n := tbl.len(); n != 0 {
		t.Errorf("len after reset = %d, want 0", n)
	}
}

func TestNewSessionValidation(t *testing.T) {
	mem := guestmem.NewMap()
	gpu := simgpu.New(simgpu.Options{NumDevices: 1})
	if _, err := NewSession(Options{Memory: mem}); err == nil {
		t.Errorf("NewSession without driver succeeded")
	}
	if _, err := NewSession(Options{Driver: gpu}); err == nil {
		t.Errorf("NewSession without memory succeeded")
	}
	if _, err := NewSession(Options{Driver: gpu, Memory: mem, StreamCapacity: 1}); err == nil {
		t.Errorf("NewSession with one stream slot succeeded")
	}
	if _, err := NewSession(Options{Driver: gpu, Memory: mem, BlockSize: 512}); err == nil {
		t.Errorf("NewSession with a sub-page block size succeeded")
	}
}

func TestBeforeInit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for _, r := range []abi.Record{
		{Cmd: abi.CmdMalloc, Flag: 16},
		{Cmd: abi.CmdGetDevice},
		{Cmd: abi.CmdGetDeviceCount},
		{Cmd: abi.CmdSetDevice},
		{Cmd: abi.CmdStreamCreate},
		{Cmd: abi.CmdUnregisterFatBinary},
		h.registerRecord(1, "vecAdd"),
	} {
		h.expect(r, abi.StatusInitializationError)
	}
	// Versions do not need an initialized session.
	if got := h.must(abi.Record{Cmd: abi.CmdDriverGetVersion}).PA; got != simgpu.Version {
		t.Errorf("driver version = %d, want %d", got, simgpu.Version)
	}
	if got := h.must(abi.Record{Cmd: abi.CmdRuntimeGetVersion}).PA; got != simgpu.Version {
		t.Errorf("runtime version = %d, want %d", got, simgpu.Version)
	}
}

func TestInitTeardown(t *testing.T) {
	h := newHarness(t, harnessOpts{devices: 3})
	h.initSession()
	if got := h.gpu.Contexts(); got != 3 {
		t.Errorf("contexts after init = %d, want 3", got)
	}
	if got := h.must(abi.Record{Cmd: abi.CmdGetDevice}).PA; got != 0 {
		t.Errorf("active device = %d, want 0", got)
	}
	if got := h.must(abi.Record{Cmd: abi.CmdGetDeviceCount}).PA; got != 3 {
		t.Errorf("device count = %d, want 3", got)
	}
	// Device 0 must be current: allocations land on it.
	h.malloc(1024)
	if got := h.gpu.MemoryUsed(0); got != 1024 {
		t.Errorf("device 0 memory used = %d, want 1024", got)
	}
	h.must(abi.Record{Cmd: abi.CmdStreamCreate})
	h.must(abi.Record{Cmd: abi.CmdEventCreate})

	h.must(abi.Record{Cmd: abi.CmdUnregisterFatBinary})
	if got := h.gpu.Contexts(); got != 0 {
		t.Errorf("contexts after teardown = %d, want 0", got)
	}
	if h.s.Initialized() {
		t.Errorf("session still initialized after teardown")
	}
	h.expect(abi.Record{Cmd: abi.CmdUnregisterFatBinary}, abi.StatusInitializationError)

	// The session can be initialized again.
	h.initSession()
	if got := h.gpu.Contexts(); got != 3 {
		t.Errorf("contexts after second init = %d, want 3", got)
	}
}

func TestVecAdd(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.initSession()
	h.register(7, "vecAdd")

	const n = 4
	a, b, c := h.malloc(4*n), h.malloc(4*n), h.malloc(4*n)
	h.toDevice(a, floats(1, 2, 3, 4))
	h.toDevice(b, floats(10, 20, 30, 40))
	h.must(h.launchRecord(7, n, abi.StreamSentinel, u64(a), u64(b), u64(c), u32(n)))

	if diff := cmp.Diff(floats(11, 22, 33, 44), h.fromDevice(c, 4*n)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	h.must(abi.Record{Cmd: abi.CmdDeviceSynchronize})
	for _, p := range []uint64{a, b, c} {
		h.must(abi.Record{Cmd: abi.CmdFree, PA: p})
	}
	if got := h.gpu.MemoryUsed(0); got != 0 {
		t.Errorf("memory used after free = %d, want 0", got)
	}
}

func TestLaunchErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.initSession()
	h.register(7, "fill")
	p := h.malloc(64)

	// Unknown function id.
	h.expect(h.launchRecord(8, 16, abi.StreamSentinel, u64(p), u32(1), u32(16)), abi.StatusInvalidResourceHandle)

	// Stream index 0 is reserved.
	h.expect(h.launchRecord(7, 16, 0, u64(p), u32(1), u32(16)), abi.StatusInvalidResourceHandle)

	// A parameter whose length prefix overruns the buffer.
	r := h.launchRecord(7, 16, abi.StreamSentinel)
	bad := binary.LittleEndian.AppendUint32(u32(1), 100)
	r.PB, r.PBSize = h.put(bad), uint32(len(bad))
	h.expect(r, abi.StatusInvalidValue)

	// A stated length longer than the parameters it holds.
	r = h.launchRecord(7, 16, abi.StreamSentinel, u64(p), u32(1), u32(16))
	r.PBSize += 4
	h.expect(r, abi.StatusInvalidValue)

	// Unbacked launch config.
	r = h.launchRecord(7, 16, abi.StreamSentinel, u64(p), u32(1), u32(16))
	r.PA = 0x1000
	h.expect(r, abi.StatusInvalidHostPointer)

	// Kernel failures surface as the driver's code.
	h.expect(h.launchRecord(7, 16, abi.StreamSentinel, u32(1)), abi.Status(driver.ErrorLaunchFailed))

	h.must(h.launchRecord(7, 16, abi.StreamSentinel, u64(p), u32(0xabcd), u32(16)))
	want := make([]byte, 64)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(want[4*i:], 0xabcd)
	}
	if diff := cmp.Diff(want, h.fromDevice(p, 64)); diff != "" {
		t.Errorf("fill result mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterFunctionErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{session: func(o *Options) { o.FunctionCapacity = 2 }})
	h.initSession()

	r := h.registerRecord(1, "fill")
	r.PB = h.put([]byte("fill")) // no terminator within the limit
	r.PBSize = 4
	h.expect(r, abi.StatusInvalidValue)

	h.register(1, "fill")
	h.register(2, "vecAdd")
	h.expect(h.registerRecord(3, "fill"), abi.StatusMemoryAllocation)

	r = h.registerRecord(3, "fill")
	r.PA = 0x2000
	h.expect(r, abi.StatusInvalidHostPointer)
}

func TestRegisterUnknownKernel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.initSession()
	h.expect(h.registerRecord(1, "noSuchKernel"), abi.Status(driver.ErrorInvalidImage))

	r := h.registerRecord(1, "fill")
	r.PB = h.put([]byte("vecAdd\x00"))
	h.expect(r, abi.Status(driver.ErrorNotFound))

	// Failed entries are not kept: the next registration takes slot 0.
	h.register(1, "fill")
	if got := len(h.s.registry); got != 1 {
		t.Errorf("registry entries = %d, want 1", got)
	}
	p := h.malloc(16)
	h.must(h.launchRecord(1, 4, abi.StreamSentinel, u64(p), u32(2), u32(4)))
}

func TestLazyReload(t *testing.T) {
	h := newHarness(t, harnessOpts{devices: 2})
	h.initSession()
	h.register(7, "vecAdd")
	h.register(9, "fill")
	if got := h.gpu.ModulesLoaded(0); got != 2 {
		t.Errorf("device 0 modules = %d, want 2", got)
	}
	if got := h.gpu.ModulesLoaded(1); got != 0 {
		t.Errorf("device 1 modules before SetDevice = %d, want 0", got)
	}

	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 1})
	if got := h.gpu.ModulesLoaded(1); got != 2 {
		t.Errorf("device 1 modules after SetDevice = %d, want 2", got)
	}
	p := h.malloc(16)
	if got := h.gpu.MemoryUsed(1); got != 16 {
		t.Errorf("device 1 memory used = %d, want 16", got)
	}
	h.must(h.launchRecord(9, 4, abi.StreamSentinel, u64(p), u32(3), u32(4)))

	// Switching back loads nothing new.
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 0})
	if got := h.gpu.ModulesLoaded(0); got != 2 {
		t.Errorf("device 0 modules after switching back = %d, want 2", got)
	}

	// A kernel registered on device 0 reaches device 1 on the next switch.
	h.register(11, "fill")
	if got := h.gpu.ModulesLoaded(1); got != 2 {
		t.Errorf("device 1 modules before second switch = %d, want 2", got)
	}
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 1})
	if got := h.gpu.ModulesLoaded(1); got != 3 {
		t.Errorf("device 1 modules after second switch = %d, want 3", got)
	}
	h.must(h.launchRecord(11, 4, abi.StreamSentinel, u64(p), u32(3), u32(4)))
}

func TestSetDeviceInvalid(t *testing.T) {
	h := newHarness(t, harnessOpts{devices: 2})
	h.initSession()
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 1})
	for _, idx := range []uint64{2, 100, math.MaxUint64} {
		h.expect(abi.Record{Cmd: abi.CmdSetDevice, PA: idx}, abi.StatusInvalidDevice)
		if got := h.must(abi.Record{Cmd: abi.CmdGetDevice}).PA; got != 1 {
			t.Errorf("active device after SetDevice(%d) = %d, want 1", idx, got)
		}
	}
}

func TestDeviceReset(t *testing.T) {
	h := newHarness(t, harnessOpts{devices: 2})
	h.initSession()
	h.register(9, "fill")
	h.malloc(128)

	h.must(abi.Record{Cmd: abi.CmdDeviceReset})
	if got := h.gpu.Contexts(); got != 1 {
		t.Errorf("contexts after reset = %d, want 1", got)
	}
	if got := h.gpu.ModulesLoaded(0); got != 0 {
		t.Errorf("device 0 modules after reset = %d, want 0", got)
	}
	if got := h.gpu.MemoryUsed(0); got != 0 {
		t.Errorf("device 0 memory after reset = %d, want 0", got)
	}

	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 0})
	if got := h.gpu.Contexts(); got != 2 {
		t.Errorf("contexts after SetDevice = %d, want 2", got)
	}
	if got := h.gpu.ModulesLoaded(0); got != 1 {
		t.Errorf("device 0 modules after SetDevice = %d, want 1", got)
	}
	p := h.malloc(16)
	h.must(h.launchRecord(9, 4, abi.StreamSentinel, u64(p), u32(5), u32(4)))

	// Teardown skips nothing and destroys the recreated context.
	h.must(abi.Record{Cmd: abi.CmdUnregisterFatBinary})
	if got := h.gpu.Contexts(); got != 0 {
		t.Errorf("contexts after teardown = %d, want 0", got)
	}
}

func TestResetThenUse(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.initSession()
	h.register(9, "fill")
	h.must(abi.Record{Cmd: abi.CmdDeviceReset})
	// A context-bound request recreates the context without SetDevice.
	p := h.malloc(16)
	h.must(h.launchRecord(9, 4, abi.StreamSentinel, u64(p), u32(5), u32(4)))
}

func TestResetDropsStreamsAndEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{
		devices: 2,
		session: func(o *Options) {
			o.StreamCapacity = 3
			o.EventCapacity = 1
		},
	})
	h.initSession()
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 1})
	other := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 0})
	st := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA
	ev := h.must(abi.Record{Cmd: abi.CmdEventCreate}).PA
	h.expect(abi.Record{Cmd: abi.CmdStreamCreate}, abi.StatusMemoryAllocation)
	h.expect(abi.Record{Cmd: abi.CmdEventCreate}, abi.StatusMemoryAllocation)

	h.must(abi.Record{Cmd: abi.CmdDeviceReset})
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 0})
	h.expect(abi.Record{Cmd: abi.CmdStreamDestroy, PA: st}, abi.StatusInvalidResourceHandle)
	h.expect(abi.Record{Cmd: abi.CmdEventRecord, PA: ev, PB: abi.StreamSentinel}, abi.StatusInvalidResourceHandle)
	h.expect(abi.Record{Cmd: abi.CmdEventDestroy, PA: ev}, abi.StatusInvalidResourceHandle)

	// The freed slots are usable again at capacity.
	if got := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA; got != st {
		t.Errorf("stream index after reset = %d, want %d", got, st)
	}
	if got := h.must(abi.Record{Cmd: abi.CmdEventCreate}).PA; got != ev {
		t.Errorf("event index after reset = %d, want %d", got, ev)
	}

	// Objects of the device that was not reset survive.
	h.must(abi.Record{Cmd: abi.CmdSetDevice, PA: 1})
	h.must(abi.Record{Cmd: abi.CmdStreamDestroy, PA: other})
	h.must(abi.Record{Cmd: abi.CmdUnregisterFatBinary})
}

func TestStreams(t *testing.T) {
	h := newHarness(t, harnessOpts{session: func(o *Options) { o.StreamCapacity = 3 }})
	h.initSession()
	s1 := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA
	s2 := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA
	if s1 != 1 || s2 != 2 {
		t.Errorf("stream indices = %d, %d, want 1, 2", s1, s2)
	}
	h.expect(abi.Record{Cmd: abi.CmdStreamCreate}, abi.StatusMemoryAllocation)
	h.must(abi.Record{Cmd: abi.CmdStreamDestroy, PA: s1})
	h.expect(abi.Record{Cmd: abi.CmdStreamDestroy, PA: s1}, abi.StatusInvalidResourceHandle)
	h.expect(abi.Record{Cmd: abi.CmdStreamDestroy, PA: 0}, abi.StatusInvalidResourceHandle)
	if got := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA; got != 1 {
		t.Errorf("reused stream index = %d, want 1", got)
	}

	src, dst := h.malloc(8), h.malloc(8)
	h.toDevice(src, []byte("abcdefgh"))
	// Async device-to-device copies take PA as the source.
	h.must(abi.Record{Cmd: abi.CmdMemcpyAsync, Flag: uint32(abi.MemcpyDeviceToDevice), PA: src, PB: dst, PBSize: 8, Rnd: s2})
	h.must(abi.Record{Cmd: abi.CmdMemcpyAsync, Flag: uint32(abi.MemcpyDeviceToDevice), PA: src, PB: dst, PBSize: 8, Rnd: abi.StreamSentinel})
	h.expect(abi.Record{Cmd: abi.CmdMemcpyAsync, Flag: uint32(abi.MemcpyDeviceToDevice), PA: src, PB: dst, PBSize: 8, Rnd: 0}, abi.StatusInvalidResourceHandle)
	if diff := cmp.Diff([]byte("abcdefgh"), h.fromDevice(dst, 8)); diff != "" {
		t.Errorf("copy mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	now := time.Unix(1000, 0)
	h := newHarness(t, harnessOpts{
		session: func(o *Options) { o.EventCapacity = 3 },
		gpu: func(o *simgpu.Options) {
			o.Now = func() time.Time {
				now = now.Add(1500 * time.Microsecond)
				return now
			}
		},
	})
	h.initSession()
	start := h.must(abi.Record{Cmd: abi.CmdEventCreate}).PA
	end := h.must(abi.Record{Cmd: abi.CmdEventCreate}).PA
	if start != 0 || end != 1 {
		t.Errorf("event indices = %d, %d, want 0, 1", start, end)
	}
	st := h.must(abi.Record{Cmd: abi.CmdStreamCreate}).PA
	h.must(abi.Record{Cmd: abi.CmdEventRecord, PA: start, PB: abi.StreamSentinel})
	h.must(abi.Record{Cmd: abi.CmdEventRecord, PA: end, PB: st})
	h.must(abi.Record{Cmd: abi.CmdEventSynchronize, PA: end})
	got := h.must(abi.Record{Cmd: abi.CmdEventElapsedTime, PA: start, PB: end})
	if ms := got.Float(); math.Abs(float64(ms)-1.5) > 1e-3 {
		t.Errorf("elapsed = %vms, want 1.5ms", ms)
	}

	const disableTiming = 0x2
	quiet := h.must(abi.Record{Cmd: abi.CmdEventCreateWithFlags, Flag: disableTiming}).PA
	h.must(abi.Record{Cmd: abi.CmdEventRecord, PA: quiet, PB: abi.StreamSentinel})
	h.expect(abi.Record{Cmd: abi.CmdEventElapsedTime, PA: start, PB: quiet}, abi.Status(driver.ErrorInvalidHandle))
	h.expect(abi.Record{Cmd: abi.CmdEventCreate}, abi.StatusMemoryAllocation)

	h.must(abi.Record{Cmd: abi.CmdEventDestroy, PA: start})
	h.expect(abi.Record{Cmd: abi.CmdEventRecord, PA: start, PB: abi.StreamSentinel}, abi.StatusInvalidResourceHandle)
	h.expect(abi.Record{Cmd: abi.CmdEventDestroy, PA: 99}, abi.StatusInvalidResourceHandle)
}

func TestGetLastError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.initSession()
	h.must(abi.Record{Cmd: abi.CmdGetLastError})
	h.expect(abi.Record{Cmd: abi.CmdMalloc, Flag: 0}, abi.StatusInvalidValue)
	h.expect(abi.Record{Cmd: abi.CmdGetLastError}, abi.StatusInvalidValue)
	h.must(abi.Record{Cmd: abi.CmdGetLastError})

	// Side-channel failures are not CUDA errors.
	h.expect(abi.Record{Cmd: abi.CmdRead, PA: h.alloc(8), PASize: 8, Para: 1}, abi.StatusNoBufferWritten)
	h.must(abi.Record{Cmd: abi.CmdGetLastError})
}

func TestGetDeviceProperties(t *testing.T) {
	h := newHarness(t, harnessOpts{devices: 2})
	h.initSession()
	gpa := h.alloc(abi.SizeofDeviceProp)
	h.must(abi.Record{Cmd: abi.CmdGetDeviceProperties, PA: gpa, PB: 1})
	var p abi.DeviceProp
	p.UnmarshalBytes(h.guest(gpa, abi.SizeofDeviceProp))
	if got, want := p.NameString(), "Simulated GPU 1"; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}
	if p.TotalGlobalMem != 64<<20 || p.WarpSize != 32 {
		t.Errorf("unexpected properties %+v", p)
	}
	h.expect(abi.Record{Cmd: abi.CmdGetDeviceProperties, PA: gpa, PB: 2}, abi.StatusInvalidDevice)
	h.expect(abi.Record{Cmd: abi.CmdGetDeviceProperties, PA: 0x3000, PB: 0}, abi.StatusInvalidHostPointer)
}

func TestMiscCommands(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.expect(abi.Record{Cmd: abi.CmdOpen}, abi.StatusInvalidValue)
	h.expect(abi.Record{Cmd: abi.CmdOpen, PASize: 1}, abi.StatusInvalidValue)
	h.expect(abi.Record{Cmd: abi.CmdOpen, PASize: uint32(guestmem.PageSize) + 8}, abi.StatusInvalidValue)
	h.must(abi.Record{Cmd: abi.CmdOpen, PASize: 8192})
	if got := h.s.BlockSize(); got != 8192 {
		t.Errorf("block size = %d, want 8192", got)
	}
	h.must(abi.Record{Cmd: abi.CmdClose})
	for _, cmd := range []abi.Cmd{0, 99, -1, abi.CmdMax, 1 << 20} {
		h.expect(abi.Record{Cmd: cmd}, abi.StatusInvalidValue)
	}
	h.initSession()
	h.must(abi.Record{Cmd: abi.CmdSetDeviceFlags, Flag: 4})
	h.expect(abi.Record{Cmd: abi.CmdMemcpy, Flag: uint32(abi.MemcpyHostToHost)}, abi.StatusInvalidValue)
	h.expect(abi.Record{Cmd: abi.CmdFree, PA: 0xdead}, abi.StatusInvalidValue)
}

func TestHandlersComplete(t *testing.T) {
	for _, c := range abi.Cmds() {
		if handlers[c] == nil {
			t.Errorf("no handler for %v", c)
		}
	}
}
