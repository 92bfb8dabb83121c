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
	"fmt"

	"gvisor.dev/vcuda/pkg/guestmem"
)

// Chunks splits a transfer of size bytes whose first byte lies at offset
// within a guest block of the given size. The first chunk runs to the end of
// that block; every later chunk is a whole block except possibly the last.
// The chunk lengths always sum to size, and a size of zero yields no chunks.
func Chunks(size, offset, block uint64) []uint64 {
	if size == 0 || block == 0 {
		return nil
	}
	chunks := make([]uint64, 0, chunkCount(size, offset, block))
	for i, rem := 0, size; rem > 0; i++ {
		n := chunkLen(rem, offset, block, i)
		chunks = append(chunks, n)
		rem -= n
	}
	return chunks
}

// chunkCount returns len(Chunks(size, offset, block)) without building the
// slice. size and block must be non-zero.
func chunkCount(size, offset, block uint64) uint64 {
	first := min(size, block-offset%block)
	return 1 + (size-first+block-1)/block
}

// chunkLen returns the length of chunk i given rem bytes left to transfer.
func chunkLen(rem, offset, block uint64, i int) uint64 {
	if i == 0 {
		return min(rem, block-offset%block)
	}
	return min(rem, block)
}

// guestBuffers translates the guest side of a copy into host buffers in
// transfer order.
//
// If contiguous is set, gpa addresses the data itself and the whole range must
// be backed by one RAM region. Otherwise gpa addresses a scatter list of
// little-endian uint64 guest-physical addresses, entry i naming the start of
// chunk i as computed by Chunks(size, offset, block).
//
// All translations happen before any data moves, so a bad address aborts the
// copy without side effects. The scatter list is translated before anything
// is allocated per chunk.
func guestBuffers(mem guestmem.Translator, gpa, size, offset, block uint64, contiguous bool) ([][]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if contiguous {
		buf, err := mem.Translate(gpa, size)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}
	if block == 0 {
		return nil, fmt.Errorf("%w: zero block size", ErrInvalidValue)
	}
	list, err := guestmem.ReadUint64s(mem, gpa, int(chunkCount(size, offset, block)))
	if err != nil {
		return nil, fmt.Errorf("reading scatter list: %w", err)
	}
	bufs := make([][]byte, len(list))
	rem := size
	for i, addr := range list {
		n := chunkLen(rem, offset, block, i)
		if bufs[i], err = mem.Translate(addr, n); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		rem -= n
	}
	return bufs, nil
}
