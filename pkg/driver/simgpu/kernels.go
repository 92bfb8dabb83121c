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


package simgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"gvisor.dev/vcuda/pkg/driver"
)

// Kernel executes one launch on the CPU.
type Kernel func(l *Launch) error

// Launch is the state passed to a Kernel.
type Launch struct {
	// Config is the launch geometry.
	Config driver.LaunchConfig

	// Params holds the kernel arguments by value.
	Params [][]byte

	dev *device
}

// Threads returns the number of threads in the launch.
func (l *Launch) Threads() uint64 {
	return l.Config.Threads()
}

// Ptr returns parameter i as a device pointer.
func (l *Launch) Ptr(i int) (driver.DevicePtr, error) {
	if i >= len(l.Params) || len(l.Params[i]) != 8 {
		return 0, fmt.Errorf("parameter %d is not a pointer", i)
	}
	return driver.DevicePtr(binary.LittleEndian.Uint64(l.Params[i])), nil
}

// Uint32 returns parameter i as a 32-bit integer.
func (l *Launch) Uint32(i int) (uint32, error) {
	if i >= len(l.Params) || len(l.Params[i]) != 4 {
		return 0, fmt.Errorf("parameter %d is not a 32-bit value", i)
	}
	return binary.LittleEndian.Uint32(l.Params[i]), nil
}

// Mem returns n bytes of device memory at p. Only memory on the launching
// device is accessible.
func (l *Launch) Mem(p driver.DevicePtr, n uint64) ([]byte, error) {
	return l.dev.span("kernel", p, n)
}

// DefaultKernels returns the built-in kernel library:
//
//	vecAdd(const float *a, const float *b, float *c, int n)  c[i] = a[i] + b[i]
//	fill(unsigned *p, unsigned v, int n)                     p[i] = v
func DefaultKernels() map[string]Kernel {
	return map[string]Kernel{
		"vecAdd": vecAdd,
		"fill":   fill,
	}
}

// elements returns how many of n elements the launch covers.
func elements(l *Launch, n uint32) uint64 {
	return min(uint64(n), l.Threads())
}

func vecAdd(l *Launch) error {
	var ptrs [3]driver.DevicePtr
	for i := range ptrs {
		p, err := l.Ptr(i)
		if err != nil {
			return err
		}
		ptrs[i] = p
	}
	n, err := l.Uint32(3)
	if err != nil {
		return err
	}
	count := elements(l, n)
	var bufs [3][]byte
	for i, p := range ptrs {
		if bufs[i], err = l.Mem(p, count*4); err != nil {
			return err
		}
	}
	for i := uint64(0); i < count; i++ {
		a := math.Float32frombits(binary.LittleEndian.Uint32(bufs[0][i*4:]))
		b := math.Float32frombits(binary.LittleEndian.Uint32(bufs[1][i*4:]))
		binary.LittleEndian.PutUint32(bufs[2][i*4:], math.Float32bits(a+b))
	}
	return nil
}

func fill(l *Launch) error {
	p, err := l.Ptr(0)
	if err != nil {
		return err
	}
	v, err := l.Uint32(1)
	if err != nil {
		return err
	}
	n, err := l.Uint32(2)
	if err != nil {
		return err
	}
	count := elements(l, n)
	buf, err := l.Mem(p, count*4)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return nil
}
