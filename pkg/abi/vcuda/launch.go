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
	"fmt"
)

// MemcpyKind is the direction of a copy, numerically compatible with
// cudaMemcpyKind.
type MemcpyKind uint32

// Copy directions.
const (
	MemcpyHostToHost     MemcpyKind = 0
	MemcpyHostToDevice   MemcpyKind = 1
	MemcpyDeviceToHost   MemcpyKind = 2
	MemcpyDeviceToDevice MemcpyKind = 3
)

// String implements fmt.Stringer.String.
func (k MemcpyKind) String() string {
	switch k {
	case MemcpyHostToHost:
		return "HostToHost"
	case MemcpyHostToDevice:
		return "HostToDevice"
	case MemcpyDeviceToHost:
		return "DeviceToHost"
	case MemcpyDeviceToDevice:
		return "DeviceToDevice"
	default:
		return fmt.Sprintf("MemcpyKind(%d)", uint32(k))
	}
}

// StreamSentinel is the stream value meaning "the null stream". It is never
// a valid stream handle.
const StreamSentinel = ^uint64(0)

// SizeofLaunchConfig is the encoded size of LaunchConfig.
const SizeofLaunchConfig = 8 * 8

// LaunchConfig is the kernel launch configuration pointed at by PA of a
// Launch request.
type LaunchConfig struct {
	GridX, GridY, GridZ    uint64
	BlockX, BlockY, BlockZ uint64
	SharedMem              uint64
	Stream                 uint64
}

// UnmarshalBytes deserializes c from src and returns the remainder of src.
func (c *LaunchConfig) UnmarshalBytes(src []byte) []byte {
	c.GridX = binary.LittleEndian.Uint64(src[0:])
	c.GridY = binary.LittleEndian.Uint64(src[8:])
	c.GridZ = binary.LittleEndian.Uint64(src[16:])
	c.BlockX = binary.LittleEndian.Uint64(src[24:])
	c.BlockY = binary.LittleEndian.Uint64(src[32:])
	c.BlockZ = binary.LittleEndian.Uint64(src[40:])
	c.SharedMem = binary.LittleEndian.Uint64(src[48:])
	c.Stream = binary.LittleEndian.Uint64(src[56:])
	return src[SizeofLaunchConfig:]
}

// MarshalBytes serializes c into dst and returns the remainder of dst.
func (c *LaunchConfig) MarshalBytes(dst []byte) []byte {
	for i, v := range []uint64{c.GridX, c.GridY, c.GridZ, c.BlockX, c.BlockY, c.BlockZ, c.SharedMem, c.Stream} {
		binary.LittleEndian.PutUint64(dst[i*8:], v)
	}
	return dst[SizeofLaunchConfig:]
}

// DecodeLaunchConfig decodes a LaunchConfig from buf.
func DecodeLaunchConfig(buf []byte) (LaunchConfig, error) {
	var c LaunchConfig
	if len(buf) < SizeofLaunchConfig {
		return c, fmt.Errorf("%w: launch config is %d bytes, need %d", ErrShortBuffer, len(buf), SizeofLaunchConfig)
	}
	c.UnmarshalBytes(buf)
	return c, nil
}

// DecodeParams decodes a kernel parameter buffer: a uint32 count followed by
// count entries of a uint32 size and size value bytes. Bytes after the last
// entry are ignored. The returned slices alias buf.
func DecodeParams(buf []byte) ([][]byte, error) {
	params, _, err := decodeParams(buf)
	return params, err
}

// DecodeParamsExact is DecodeParams for a buffer whose length the sender
// stated. The entries must use all of buf.
func DecodeParamsExact(buf []byte) ([][]byte, error) {
	params, rest, err := decodeParams(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d bytes after %d parameters", ErrTrailingBytes, len(rest), len(params))
	}
	return params, nil
}

func decodeParams(buf []byte) ([][]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: parameter count missing", ErrShortBuffer)
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	// Every entry takes at least its size word.
	if uint64(n)*4 > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("%w: %d parameters do not fit in %d bytes", ErrShortBuffer, n, len(buf))
	}
	params := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("%w: parameter %d size missing", ErrShortBuffer, i)
		}
		size := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint64(size) > uint64(len(buf)) {
			return nil, nil, fmt.Errorf("%w: parameter %d is %d bytes, %d remain", ErrShortBuffer, i, size, len(buf))
		}
		params = append(params, buf[:size:size])
		buf = buf[size:]
	}
	return params, buf, nil
}

// EncodeParams is the inverse of DecodeParams.
func EncodeParams(params ...[]byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(params)))
	for _, p := range params {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf
}
