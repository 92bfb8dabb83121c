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
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/vcuda/pkg/guestmem"
)

// hostAddr returns the host address of b's first byte.
func hostAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func checkPageAligned(target []byte) error {
	if addr := hostAddr(target); addr%uintptr(guestmem.PageSize) != 0 || len(target)%guestmem.PageSize != 0 {
		return fmt.Errorf("%w: host range %#x+%d is not page aligned", ErrInvalidValue, addr, len(target))
	}
	return nil
}

// mapFileFixed replaces the memory of target with a shared mapping of fd at
// off. target must be page aligned and must not be Go heap memory.
func mapFileFixed(fd int, off int64, target []byte) error {
	if err := checkPageAligned(target); err != nil {
		return err
	}
	_, err := unix.MmapPtr(fd, off, unsafe.Pointer(unsafe.SliceData(target)), uintptr(len(target)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	return err
}

// mapAnonymousFixed replaces the memory of target with zeroed anonymous
// memory.
func mapAnonymousFixed(target []byte) error {
	if err := checkPageAligned(target); err != nil {
		return err
	}
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(unsafe.SliceData(target)), uintptr(len(target)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	return err
}
