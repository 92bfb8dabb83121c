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

import "encoding/binary"

// DeviceNameLen is the size of DeviceProp.Name.
const DeviceNameLen = 256

// SizeofDeviceProp is the encoded size of DeviceProp.
const SizeofDeviceProp = DeviceNameLen + 3*8 + 13*4

// DeviceProp is the subset of cudaDeviceProp returned by GetDeviceProperties.
type DeviceProp struct {
	Name                [DeviceNameLen]byte
	TotalGlobalMem      uint64
	SharedMemPerBlock   uint64
	TotalConstMem       uint64
	RegsPerBlock        int32
	WarpSize            int32
	MaxThreadsPerBlock  int32
	MaxThreadsDim       [3]int32
	MaxGridSize         [3]int32
	ClockRate           int32
	Major               int32
	Minor               int32
	MultiProcessorCount int32
}

// SetName copies name into p.Name, truncating it so that the result stays
// NUL terminated.
func (p *DeviceProp) SetName(name string) {
	p.Name = [DeviceNameLen]byte{}
	copy(p.Name[:DeviceNameLen-1], name)
}

// NameString returns p.Name up to the first NUL.
func (p *DeviceProp) NameString() string {
	for i, b := range p.Name {
		if b == 0 {
			return string(p.Name[:i])
		}
	}
	return string(p.Name[:])
}

// SizeBytes returns the encoded size of p.
func (p *DeviceProp) SizeBytes() int {
	return SizeofDeviceProp
}

// MarshalBytes serializes p into dst and returns the remainder of dst.
func (p *DeviceProp) MarshalBytes(dst []byte) []byte {
	n := copy(dst, p.Name[:])
	buf := dst[:n]
	buf = binary.LittleEndian.AppendUint64(buf, p.TotalGlobalMem)
	buf = binary.LittleEndian.AppendUint64(buf, p.SharedMemPerBlock)
	buf = binary.LittleEndian.AppendUint64(buf, p.TotalConstMem)
	for _, v := range []int32{
		p.RegsPerBlock, p.WarpSize, p.MaxThreadsPerBlock,
		p.MaxThreadsDim[0], p.MaxThreadsDim[1], p.MaxThreadsDim[2],
		p.MaxGridSize[0], p.MaxGridSize[1], p.MaxGridSize[2],
		p.ClockRate, p.Major, p.Minor, p.MultiProcessorCount,
	} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return dst[SizeofDeviceProp:]
}

// UnmarshalBytes deserializes p from src and returns the remainder of src.
func (p *DeviceProp) UnmarshalBytes(src []byte) []byte {
	copy(p.Name[:], src[:DeviceNameLen])
	buf := src[DeviceNameLen:]
	p.TotalGlobalMem = binary.LittleEndian.Uint64(buf[0:])
	p.SharedMemPerBlock = binary.LittleEndian.Uint64(buf[8:])
	p.TotalConstMem = binary.LittleEndian.Uint64(buf[16:])
	buf = buf[24:]
	for _, v := range []*int32{
		&p.RegsPerBlock, &p.WarpSize, &p.MaxThreadsPerBlock,
		&p.MaxThreadsDim[0], &p.MaxThreadsDim[1], &p.MaxThreadsDim[2],
		&p.MaxGridSize[0], &p.MaxGridSize[1], &p.MaxGridSize[2],
		&p.ClockRate, &p.Major, &p.Minor, &p.MultiProcessorCount,
	} {
		*v = int32(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
	}
	return src[SizeofDeviceProp:]
}
