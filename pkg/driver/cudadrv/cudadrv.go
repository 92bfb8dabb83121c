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


// Package cudadrv implements driver.Driver on top of the CUDA driver API,
// loaded at runtime from libcuda.so.1 without cgo.
package cudadrv

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
	"gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/log"
)

// Library names tried in order.
var libraryNames = []string{"libcuda.so.1", "libcuda.so"}

// CUdevice_attribute values.
const (
	attrMaxThreadsPerBlock     = 1
	attrMaxBlockDimX           = 2
	attrMaxGridDimX            = 5
	attrMaxSharedMemPerBlock   = 8
	attrTotalConstantMemory    = 9
	attrWarpSize               = 10
	attrMaxRegistersPerBlock   = 12
	attrClockRate              = 13
	attrMultiprocessorCount    = 16
	attrComputeCapabilityMajor = 75
	attrComputeCapabilityMinor = 76
)

// entry points bound from the library.
type entryPoints struct {
	cuInit                    func(flags uint32) driver.Result
	cuDriverGetVersion        func(version *int32) driver.Result
	cuDeviceGetCount          func(count *int32) driver.Result
	cuDeviceGet               func(dev *int32, ordinal int32) driver.Result
	cuDeviceGetName           func(name *byte, n int32, dev int32) driver.Result
	cuDeviceGetAttribute      func(v *int32, attr int32, dev int32) driver.Result
	cuDeviceTotalMem          func(bytes *uint64, dev int32) driver.Result
	cuCtxCreate               func(ctx *uintptr, flags uint32, dev int32) driver.Result
	cuCtxSetCurrent           func(ctx uintptr) driver.Result
	cuCtxDestroy              func(ctx uintptr) driver.Result
	cuCtxSynchronize          func() driver.Result
	cuModuleLoadData          func(mod *uintptr, image unsafe.Pointer) driver.Result
	cuModuleGetFunction       func(fn *uintptr, mod uintptr, name string) driver.Result
	cuLaunchKernel            func(f uintptr, gx, gy, gz, bx, by, bz, shmem uint32, stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) driver.Result
	cuMemAlloc                func(p *uint64, size uint64) driver.Result
	cuMemFree                 func(p uint64) driver.Result
	cuMemsetD8                func(p uint64, v byte, n uint64) driver.Result
	cuMemcpyHtoD              func(dst uint64, src unsafe.Pointer, n uint64) driver.Result
	cuMemcpyDtoH              func(dst unsafe.Pointer, src uint64, n uint64) driver.Result
	cuMemcpyDtoD              func(dst, src uint64, n uint64) driver.Result
	cuMemcpyHtoDAsync         func(dst uint64, src unsafe.Pointer, n uint64, stream uintptr) driver.Result
	cuMemcpyDtoHAsync         func(dst unsafe.Pointer, src uint64, n uint64, stream uintptr) driver.Result
	cuMemcpyDtoDAsync         func(dst, src uint64, n uint64, stream uintptr) driver.Result
	cuStreamCreate            func(s *uintptr, flags uint32) driver.Result
	cuStreamDestroy           func(s uintptr) driver.Result
	cuEventCreate             func(e *uintptr, flags uint32) driver.Result
	cuEventRecord             func(e uintptr, stream uintptr) driver.Result
	cuEventSynchronize        func(e uintptr) driver.Result
	cuEventElapsedTime        func(ms *float32, start, end uintptr) driver.Result
	cuEventDestroy            func(e uintptr) driver.Result
	cuMemHostRegister         func(p unsafe.Pointer, n uint64, flags uint32) driver.Result
	cuMemHostUnregister       func(p unsafe.Pointer) driver.Result
	cuMemHostGetDevicePointer func(dp *uint64, p unsafe.Pointer, flags uint32) driver.Result
}

// bind resolves every entry point from lib.
func (e *entryPoints) bind(lib uintptr) (err error) {
	// RegisterLibFunc panics on missing symbols.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("binding CUDA driver API: %v", r)
		}
	}()
	for _, b := range []struct {
		fptr any
		name string
	}{
		{&e.cuInit, "cuInit"},
		{&e.cuDriverGetVersion, "cuDriverGetVersion"},
		{&e.cuDeviceGetCount, "cuDeviceGetCount"},
		{&e.cuDeviceGet, "cuDeviceGet"},
		{&e.cuDeviceGetName, "cuDeviceGetName"},
		{&e.cuDeviceGetAttribute, "cuDeviceGetAttribute"},
		{&e.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
		{&e.cuCtxCreate, "cuCtxCreate_v2"},
		{&e.cuCtxSetCurrent, "cuCtxSetCurrent"},
		{&e.cuCtxDestroy, "cuCtxDestroy_v2"},
		{&e.cuCtxSynchronize, "cuCtxSynchronize"},
		{&e.cuModuleLoadData, "cuModuleLoadData"},
		{&e.cuModuleGetFunction, "cuModuleGetFunction"},
		{&e.cuLaunchKernel, "cuLaunchKernel"},
		{&e.cuMemAlloc, "cuMemAlloc_v2"},
		{&e.cuMemFree, "cuMemFree_v2"},
		{&e.cuMemsetD8, "cuMemsetD8_v2"},
		{&e.cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
		{&e.cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
		{&e.cuMemcpyDtoD, "cuMemcpyDtoD_v2"},
		{&e.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2"},
		{&e.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2"},
		{&e.cuMemcpyDtoDAsync, "cuMemcpyDtoDAsync_v2"},
		{&e.cuStreamCreate, "cuStreamCreate"},
		{&e.cuStreamDestroy, "cuStreamDestroy_v2"},
		{&e.cuEventCreate, "cuEventCreate"},
		{&e.cuEventRecord, "cuEventRecord"},
		{&e.cuEventSynchronize, "cuEventSynchronize"},
		{&e.cuEventElapsedTime, "cuEventElapsedTime"},
		{&e.cuEventDestroy, "cuEventDestroy_v2"},
		{&e.cuMemHostRegister, "cuMemHostRegister_v2"},
		{&e.cuMemHostUnregister, "cuMemHostUnregister"},
		{&e.cuMemHostGetDevicePointer, "cuMemHostGetDevicePointer_v2"},
	} {
		purego.RegisterLibFunc(b.fptr, lib, b.name)
	}
	return nil
}

// paramArenaSize bounds the total size of one launch's kernel arguments,
// including the pointer array.
const paramArenaSize = 64 << 10

// Driver is a driver.Driver backed by libcuda.
type Driver struct {
	lib uintptr
	fns entryPoints

	// InitTimeout bounds how long Init retries transient cuInit failures.
	InitTimeout time.Duration

	// mu protects arena. Kernel argument pointers handed to cuLaunchKernel
	// must not point into the Go heap, so they are staged in arena.
	mu    sync.Mutex
	arena []byte
}

var _ driver.Driver = (*Driver)(nil)

// ErrUnavailable is returned by Open when libcuda cannot be loaded.
var ErrUnavailable = errors.New("CUDA driver library unavailable")

// Open loads the CUDA driver library.
func Open() (*Driver, error) {
	var (
		lib uintptr
		err error
	)
	for _, name := range libraryNames {
		if lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d := &Driver{lib: lib, InitTimeout: 10 * time.Second}
	if err := d.fns.bind(lib); err != nil {
		purego.Dlclose(lib)
		return nil, err
	}
	arena, err := unix.Mmap(-1, 0, paramArenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		purego.Dlclose(lib)
		return nil, fmt.Errorf("mmap kernel argument arena: %w", err)
	}
	d.arena = arena
	return d, nil
}

// transientInit lists cuInit results worth retrying: the driver may still be
// loading kernel modules right after boot.
func transientInit(r driver.Result) bool {
	return r == driver.ErrorNotInitialized || r == driver.ErrorDeinitialized || r == driver.ErrorUnknown
}

// Init implements driver.Driver.Init.
func (d *Driver) Init() error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = d.InitTimeout
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		r := d.fns.cuInit(0)
		err := driver.Check("cuInit", r)
		if err != nil && !transientInit(r) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Infof("vcuda: cuInit attempt %d: %v, retrying", attempt, err)
		}
		return err
	}, b)
}

// DeviceCount implements driver.Driver.DeviceCount.
func (d *Driver) DeviceCount() (int, error) {
	var n int32
	if err := driver.Check("cuDeviceGetCount", d.fns.cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeviceProperties implements driver.Driver.DeviceProperties.
func (d *Driver) DeviceProperties(dev driver.Device) (vcuda.DeviceProp, error) {
	var p vcuda.DeviceProp
	var cudev int32
	if err := driver.Check("cuDeviceGet", d.fns.cuDeviceGet(&cudev, int32(dev))); err != nil {
		return p, err
	}
	if err := driver.Check("cuDeviceGetName", d.fns.cuDeviceGetName(&p.Name[0], vcuda.DeviceNameLen-1, cudev)); err != nil {
		return p, err
	}
	if err := driver.Check("cuDeviceTotalMem", d.fns.cuDeviceTotalMem(&p.TotalGlobalMem, cudev)); err != nil {
		return p, err
	}
	attr := func(a int32) (int32, error) {
		var v int32
		err := driver.Check("cuDeviceGetAttribute", d.fns.cuDeviceGetAttribute(&v, a, cudev))
		return v, err
	}
	var shared, constant int32
	for _, f := range []struct {
		attr int32
		dst  *int32
	}{
		{attrMaxThreadsPerBlock, &p.MaxThreadsPerBlock},
		{attrMaxBlockDimX, &p.MaxThreadsDim[0]},
		{attrMaxBlockDimX + 1, &p.MaxThreadsDim[1]},
		{attrMaxBlockDimX + 2, &p.MaxThreadsDim[2]},
		{attrMaxGridDimX, &p.MaxGridSize[0]},
		{attrMaxGridDimX + 1, &p.MaxGridSize[1]},
		{attrMaxGridDimX + 2, &p.MaxGridSize[2]},
		{attrMaxSharedMemPerBlock, &shared},
		{attrTotalConstantMemory, &constant},
		{attrWarpSize, &p.WarpSize},
		{attrMaxRegistersPerBlock, &p.RegsPerBlock},
		{attrClockRate, &p.ClockRate},
		{attrMultiprocessorCount, &p.MultiProcessorCount},
		{attrComputeCapabilityMajor, &p.Major},
		{attrComputeCapabilityMinor, &p.Minor},
	} {
		v, err := attr(f.attr)
		if err != nil {
			return p, err
		}
		*f.dst = v
	}
	p.SharedMemPerBlock = uint64(shared)
	p.TotalConstMem = uint64(constant)
	return p, nil
}

// Versions implements driver.Driver.Versions. There is no runtime library in
// this process, so the runtime version reported is the driver's.
func (d *Driver) Versions() (int, int, error) {
	var v int32
	if err := driver.Check("cuDriverGetVersion", d.fns.cuDriverGetVersion(&v)); err != nil {
		return 0, 0, err
	}
	return int(v), int(v), nil
}

// CtxCreate implements driver.Driver.CtxCreate.
func (d *Driver) CtxCreate(dev driver.Device) (driver.Context, error) {
	var cudev int32
	if err := driver.Check("cuDeviceGet", d.fns.cuDeviceGet(&cudev, int32(dev))); err != nil {
		return 0, err
	}
	var ctx uintptr
	if err := driver.Check("cuCtxCreate", d.fns.cuCtxCreate(&ctx, 0, cudev)); err != nil {
		return 0, err
	}
	return driver.Context(ctx), nil
}

// CtxSetCurrent implements driver.Driver.CtxSetCurrent.
func (d *Driver) CtxSetCurrent(ctx driver.Context) error {
	return driver.Check("cuCtxSetCurrent", d.fns.cuCtxSetCurrent(uintptr(ctx)))
}

// CtxDestroy implements driver.Driver.CtxDestroy.
func (d *Driver) CtxDestroy(ctx driver.Context) error {
	return driver.Check("cuCtxDestroy", d.fns.cuCtxDestroy(uintptr(ctx)))
}

// CtxSynchronize implements driver.Driver.CtxSynchronize.
func (d *Driver) CtxSynchronize() error {
	return driver.Check("cuCtxSynchronize", d.fns.cuCtxSynchronize())
}

// ModuleLoadData implements driver.Driver.ModuleLoadData. The image is staged
// outside the Go heap for the duration of the call.
func (d *Driver) ModuleLoadData(image []byte) (driver.Module, error) {
	if len(image) == 0 {
		return 0, driver.Check("cuModuleLoadData", driver.ErrorInvalidImage)
	}
	staged, err := unix.Mmap(-1, 0, len(image), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("staging module image: %w", err)
	}
	defer unix.Munmap(staged)
	copy(staged, image)
	var mod uintptr
	if err := driver.Check("cuModuleLoadData", d.fns.cuModuleLoadData(&mod, unsafe.Pointer(&staged[0]))); err != nil {
		return 0, err
	}
	return driver.Module(mod), nil
}

// ModuleGetFunction implements driver.Driver.ModuleGetFunction.
func (d *Driver) ModuleGetFunction(mod driver.Module, name string) (driver.Function, error) {
	var fn uintptr
	if err := driver.Check("cuModuleGetFunction", d.fns.cuModuleGetFunction(&fn, uintptr(mod), name)); err != nil {
		return 0, err
	}
	return driver.Function(fn), nil
}

// LaunchKernel implements driver.Driver.LaunchKernel.
func (d *Driver) LaunchKernel(f driver.Function, cfg driver.LaunchConfig, stream driver.Stream, params [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Layout: len(params) pointers, then the 8-byte aligned values.
	ptrs := len(params) * 8
	need := ptrs
	for _, p := range params {
		need += (len(p) + 7) &^ 7
	}
	if need > len(d.arena) {
		return driver.Check("cuLaunchKernel", driver.ErrorInvalidValue)
	}
	base := uintptr(unsafe.Pointer(&d.arena[0]))
	off := ptrs
	for i, p := range params {
		copy(d.arena[off:], p)
		*(*uintptr)(unsafe.Pointer(&d.arena[i*8])) = base + uintptr(off)
		off += (len(p) + 7) &^ 7
	}
	var kp unsafe.Pointer
	if len(params) > 0 {
		kp = unsafe.Pointer(&d.arena[0])
	}
	return driver.Check("cuLaunchKernel", d.fns.cuLaunchKernel(uintptr(f),
		cfg.Grid[0], cfg.Grid[1], cfg.Grid[2],
		cfg.Block[0], cfg.Block[1], cfg.Block[2],
		cfg.SharedMem, uintptr(stream), kp, nil))
}

// MemAlloc implements driver.Driver.MemAlloc.
func (d *Driver) MemAlloc(size uint64) (driver.DevicePtr, error) {
	var p uint64
	if err := driver.Check("cuMemAlloc", d.fns.cuMemAlloc(&p, size)); err != nil {
		return 0, err
	}
	return driver.DevicePtr(p), nil
}

// MemFree implements driver.Driver.MemFree.
func (d *Driver) MemFree(p driver.DevicePtr) error {
	return driver.Check("cuMemFree", d.fns.cuMemFree(uint64(p)))
}

// MemsetD8 implements driver.Driver.MemsetD8.
func (d *Driver) MemsetD8(p driver.DevicePtr, value byte, n uint64) error {
	return driver.Check("cuMemsetD8", d.fns.cuMemsetD8(uint64(p), value, n))
}

// hostPtr returns the address of b, which must not be in the Go heap when the
// call may retain it.
func hostPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// MemcpyHtoD implements driver.Driver.MemcpyHtoD.
func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	return driver.Check("cuMemcpyHtoD", d.fns.cuMemcpyHtoD(uint64(dst), hostPtr(src), uint64(len(src))))
}

// MemcpyDtoH implements driver.Driver.MemcpyDtoH.
func (d *Driver) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	return driver.Check("cuMemcpyDtoH", d.fns.cuMemcpyDtoH(hostPtr(dst), uint64(src), uint64(len(dst))))
}

// MemcpyDtoD implements driver.Driver.MemcpyDtoD.
func (d *Driver) MemcpyDtoD(dst, src driver.DevicePtr, n uint64) error {
	return driver.Check("cuMemcpyDtoD", d.fns.cuMemcpyDtoD(uint64(dst), uint64(src), n))
}

// MemcpyHtoDAsync implements driver.Driver.MemcpyHtoDAsync.
func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src []byte, stream driver.Stream) error {
	return driver.Check("cuMemcpyHtoDAsync", d.fns.cuMemcpyHtoDAsync(uint64(dst), hostPtr(src), uint64(len(src)), uintptr(stream)))
}

// MemcpyDtoHAsync implements driver.Driver.MemcpyDtoHAsync.
func (d *Driver) MemcpyDtoHAsync(dst []byte, src driver.DevicePtr, stream driver.Stream) error {
	return driver.Check("cuMemcpyDtoHAsync", d.fns.cuMemcpyDtoHAsync(hostPtr(dst), uint64(src), uint64(len(dst)), uintptr(stream)))
}

// MemcpyDtoDAsync implements driver.Driver.MemcpyDtoDAsync.
func (d *Driver) MemcpyDtoDAsync(dst, src driver.DevicePtr, n uint64, stream driver.Stream) error {
	return driver.Check("cuMemcpyDtoDAsync", d.fns.cuMemcpyDtoDAsync(uint64(dst), uint64(src), n, uintptr(stream)))
}

// StreamCreate implements driver.Driver.StreamCreate.
func (d *Driver) StreamCreate() (driver.Stream, error) {
	var s uintptr
	if err := driver.Check("cuStreamCreate", d.fns.cuStreamCreate(&s, 0)); err != nil {
		return 0, err
	}
	return driver.Stream(s), nil
}

// StreamDestroy implements driver.Driver.StreamDestroy.
func (d *Driver) StreamDestroy(s driver.Stream) error {
	return driver.Check("cuStreamDestroy", d.fns.cuStreamDestroy(uintptr(s)))
}

// EventCreate implements driver.Driver.EventCreate.
func (d *Driver) EventCreate(flags uint32) (driver.Event, error) {
	var e uintptr
	if err := driver.Check("cuEventCreate", d.fns.cuEventCreate(&e, flags)); err != nil {
		return 0, err
	}
	return driver.Event(e), nil
}

// EventRecord implements driver.Driver.EventRecord.
func (d *Driver) EventRecord(e driver.Event, stream driver.Stream) error {
	return driver.Check("cuEventRecord", d.fns.cuEventRecord(uintptr(e), uintptr(stream)))
}

// EventSynchronize implements driver.Driver.EventSynchronize.
func (d *Driver) EventSynchronize(e driver.Event) error {
	return driver.Check("cuEventSynchronize", d.fns.cuEventSynchronize(uintptr(e)))
}

// EventElapsedTime implements driver.Driver.EventElapsedTime.
func (d *Driver) EventElapsedTime(start, end driver.Event) (float32, error) {
	var ms float32
	if err := driver.Check("cuEventElapsedTime", d.fns.cuEventElapsedTime(&ms, uintptr(start), uintptr(end))); err != nil {
		return 0, err
	}
	return ms, nil
}

// EventDestroy implements driver.Driver.EventDestroy.
func (d *Driver) EventDestroy(e driver.Event) error {
	return driver.Check("cuEventDestroy", d.fns.cuEventDestroy(uintptr(e)))
}

// HostRegister implements driver.Driver.HostRegister.
func (d *Driver) HostRegister(mem []byte, flags uint32) error {
	return driver.Check("cuMemHostRegister", d.fns.cuMemHostRegister(hostPtr(mem), uint64(len(mem)), flags))
}

// HostGetDevicePointer implements driver.Driver.HostGetDevicePointer.
func (d *Driver) HostGetDevicePointer(mem []byte, flags uint32) (driver.DevicePtr, error) {
	var p uint64
	if err := driver.Check("cuMemHostGetDevicePointer", d.fns.cuMemHostGetDevicePointer(&p, hostPtr(mem), flags)); err != nil {
		return 0, err
	}
	return driver.DevicePtr(p), nil
}

// HostUnregister implements driver.Driver.HostUnregister.
func (d *Driver) HostUnregister(mem []byte) error {
	return driver.Check("cuMemHostUnregister", d.fns.cuMemHostUnregister(hostPtr(mem)))
}

// Close implements driver.Driver.Close.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.arena != nil {
		unix.Munmap(d.arena)
		d.arena = nil
	}
	return purego.Dlclose(d.lib)
}
