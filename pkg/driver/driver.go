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


// Package driver defines the native GPU driver interface consumed by the
// remoting layer.
//
// The interface follows the CUDA driver API: context-bound calls apply to the
// calling thread's current context, which is selected with CtxSetCurrent or
// set implicitly by CtxCreate. Callers must therefore issue all calls from a
// single locked OS thread.
package driver

import (
	"fmt"

	"gvisor.dev/vcuda/pkg/abi/vcuda"
)

// Device is a device ordinal.
type Device int32

// Context is an opaque driver context handle.
type Context uintptr

// Module is an opaque loaded module handle.
type Module uintptr

// Function is an opaque kernel function handle.
type Function uintptr

// Stream is an opaque stream handle. NullStream is the default stream.
type Stream uintptr

// NullStream is the default (legacy null) stream.
const NullStream Stream = 0

// Event is an opaque event handle.
type Event uintptr

// DevicePtr is a device memory address.
type DevicePtr uint64

// LaunchConfig is the geometry of a kernel launch.
type LaunchConfig struct {
	Grid      [3]uint32
	Block     [3]uint32
	SharedMem uint32
}

// Threads returns the total number of threads launched.
func (c LaunchConfig) Threads() uint64 {
	n := uint64(1)
	for i := 0; i < 3; i++ {
		n *= uint64(c.Grid[i]) * uint64(c.Block[i])
	}
	return n
}

// Driver is a native GPU driver.
type Driver interface {
	// Init initializes the driver. It must be called before any other method.
	Init() error

	// DeviceCount returns the number of devices.
	DeviceCount() (int, error)

	// DeviceProperties describes dev.
	DeviceProperties(dev Device) (vcuda.DeviceProp, error)

	// Versions returns the driver and runtime versions, encoded as
	// 1000*major + 10*minor.
	Versions() (driverVersion, runtimeVersion int, err error)

	// CtxCreate creates a context on dev and makes it current.
	CtxCreate(dev Device) (Context, error)

	// CtxSetCurrent makes ctx current.
	CtxSetCurrent(ctx Context) error

	// CtxDestroy destroys ctx and every resource allocated in it.
	CtxDestroy(ctx Context) error

	// CtxSynchronize blocks until all work in the current context is done.
	CtxSynchronize() error

	// ModuleLoadData loads a module image into the current context.
	ModuleLoadData(image []byte) (Module, error)

	// ModuleGetFunction resolves a kernel entry point.
	ModuleGetFunction(mod Module, name string) (Function, error)

	// LaunchKernel enqueues f on stream. params holds the kernel arguments
	// by value.
	LaunchKernel(f Function, cfg LaunchConfig, stream Stream, params [][]byte) error

	// MemAlloc allocates device memory in the current context.
	MemAlloc(size uint64) (DevicePtr, error)

	// MemFree frees memory returned by MemAlloc.
	MemFree(p DevicePtr) error

	// MemsetD8 sets n bytes at p to value.
	MemsetD8(p DevicePtr, value byte, n uint64) error

	// MemcpyHtoD copies src to dst.
	MemcpyHtoD(dst DevicePtr, src []byte) error

	// MemcpyDtoH copies len(dst) bytes from src.
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// MemcpyDtoD copies n bytes between device addresses.
	MemcpyDtoD(dst, src DevicePtr, n uint64) error

	// MemcpyHtoDAsync is MemcpyHtoD ordered on stream. src must stay valid
	// until the copy completes.
	MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error

	// MemcpyDtoHAsync is MemcpyDtoH ordered on stream. dst must stay valid
	// until the copy completes.
	MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error

	// MemcpyDtoDAsync is MemcpyDtoD ordered on stream.
	MemcpyDtoDAsync(dst, src DevicePtr, n uint64, stream Stream) error

	// StreamCreate creates a stream in the current context.
	StreamCreate() (Stream, error)

	// StreamDestroy destroys s.
	StreamDestroy(s Stream) error

	// EventCreate creates an event with the given CU_EVENT_* flags.
	EventCreate(flags uint32) (Event, error)

	// EventRecord records e on stream.
	EventRecord(e Event, stream Stream) error

	// EventSynchronize waits for e to complete.
	EventSynchronize(e Event) error

	// EventElapsedTime returns the milliseconds between two recorded events.
	EventElapsedTime(start, end Event) (float32, error)

	// EventDestroy destroys e.
	EventDestroy(e Event) error

	// HostRegister page-locks mem and makes it accessible to the device.
	HostRegister(mem []byte, flags uint32) error

	// HostGetDevicePointer returns the device address of registered memory.
	HostGetDevicePointer(mem []byte, flags uint32) (DevicePtr, error)

	// HostUnregister undoes HostRegister.
	HostUnregister(mem []byte) error

	// Close releases the driver.
	Close() error
}

// Result is a native driver status code. Values match CUresult, which agrees
// with cudaError_t for the codes listed here.
type Result int32

// Result codes used by the drivers in this module.
const (
	Success                          Result = 0
	ErrorInvalidValue                Result = 1
	ErrorOutOfMemory                 Result = 2
	ErrorNotInitialized              Result = 3
	ErrorDeinitialized               Result = 4
	ErrorNoDevice                    Result = 100
	ErrorInvalidDevice               Result = 101
	ErrorInvalidImage                Result = 200
	ErrorInvalidContext              Result = 201
	ErrorInvalidHandle               Result = 400
	ErrorNotFound                    Result = 500
	ErrorNotReady                    Result = 600
	ErrorHostMemoryAlreadyRegistered Result = 712
	ErrorHostMemoryNotRegistered     Result = 713
	ErrorLaunchFailed                Result = 719
	ErrorUnknown                     Result = 999
)

var resultNames = map[Result]string{
	Success:                          "CUDA_SUCCESS",
	ErrorInvalidValue:                "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:                 "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:              "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:               "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:                    "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:               "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:                "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:              "CUDA_ERROR_INVALID_CONTEXT",
	ErrorInvalidHandle:               "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:                    "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:                    "CUDA_ERROR_NOT_READY",
	ErrorHostMemoryAlreadyRegistered: "CUDA_ERROR_HOST_MEMORY_ALREADY_REGISTERED",
	ErrorHostMemoryNotRegistered:     "CUDA_ERROR_HOST_MEMORY_NOT_REGISTERED",
	ErrorLaunchFailed:                "CUDA_ERROR_LAUNCH_FAILED",
	ErrorUnknown:                     "CUDA_ERROR_UNKNOWN",
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUresult(%d)", int32(r))
}

// Error is a non-success status returned by a native driver call.
type Error struct {
	// Op is the driver entry point that failed.
	Op string

	// Code is the native status code.
	Code Result

	// Name is the driver's name for Code, if known.
	Name string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.Op, e.Name, int32(e.Code))
}

// Check returns nil if r is Success and an *Error otherwise.
func Check(op string, r Result) error {
	if r == Success {
		return nil
	}
	return &Error{Op: op, Code: r, Name: r.String()}
}
