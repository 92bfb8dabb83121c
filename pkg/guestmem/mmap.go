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


package guestmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the host page size.
var PageSize = unix.Getpagesize()

// AllocRAM returns size bytes of anonymous, zero-filled, page-aligned memory
// suitable as a RAM region. size is rounded up to a multiple of PageSize.
func AllocRAM(size uint64) ([]byte, error) {
	size = roundUp(size)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes of anonymous memory: %w", size, err)
	}
	return mem, nil
}

// MapFile maps size bytes of the file at path, starting at offset, shared and
// writable. It is used for guest RAM exported by the hypervisor as a file.
func MapFile(path string, offset int64, size uint64) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q [%#x, %#x): %w", path, offset, uint64(offset)+size, err)
	}
	return mem, nil
}

// Free unmaps memory returned by AllocRAM or MapFile.
func Free(mem []byte) error {
	return unix.Munmap(mem)
}

func roundUp(size uint64) uint64 {
	ps := uint64(PageSize)
	return (size + ps - 1) &^ (ps - 1)
}
