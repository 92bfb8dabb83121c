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

	"golang.org/x/sys/unix"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/log"
)

// hostRegion is a mapping of a backing file registered with the driver for
// zero-copy access. The guest names it by its host address.
type hostRegion struct {
	token   int32
	mapping []byte
	size    uint64
}

func (r *hostRegion) registered() []byte {
	return r.mapping[:r.size]
}

// hostRegister maps length bytes of the backing file at offset, registers the
// first size bytes with the driver and returns the host pointer token.
func (s *Session) hostRegister(token int32, offset, size, length uint64, flags uint32) (uint64, error) {
	if err := s.context(); err != nil {
		return 0, err
	}
	b, err := s.backingFile(token)
	if err != nil {
		return 0, err
	}
	if size == 0 || size > length {
		return 0, fmt.Errorf("%w: registering %d bytes of a %d byte mapping", ErrInvalidValue, size, length)
	}
	m, err := s.mapBacking(b, offset, length)
	if err != nil {
		return 0, err
	}
	r := &hostRegion{token: token, mapping: m, size: size}
	if err := s.drv.HostRegister(r.registered(), flags); err != nil {
		_ = unix.Munmap(m)
		return 0, err
	}
	ptr := uint64(hostAddr(m))
	s.hostRegs[ptr] = r
	return ptr, nil
}

func (s *Session) hostRegion(ptr uint64) (*hostRegion, error) {
	r, ok := s.hostRegs[ptr]
	if !ok {
		return nil, fmt.Errorf("%w: host pointer %#x", ErrInvalidHandle, ptr)
	}
	return r, nil
}

// hostDevicePointer returns the device address of a registered region.
func (s *Session) hostDevicePointer(ptr uint64, flags uint32) (driver.DevicePtr, error) {
	if err := s.context(); err != nil {
		return 0, err
	}
	r, err := s.hostRegion(ptr)
	if err != nil {
		return 0, err
	}
	return s.drv.HostGetDevicePointer(r.registered(), flags)
}

// hostUnregister undoes hostRegister.
func (s *Session) hostUnregister(ptr uint64) error {
	if err := s.context(); err != nil {
		return err
	}
	r, err := s.hostRegion(ptr)
	if err != nil {
		return err
	}
	err = s.drv.HostUnregister(r.registered())
	s.unmapHost(ptr, r)
	return err
}

// unregisterHost is hostUnregister for cleanup paths: errors are logged.
func (s *Session) unregisterHost(ptr uint64, r *hostRegion) {
	if err := s.drv.HostUnregister(r.registered()); err != nil {
		log.Warningf("vcuda: unregistering host memory %#x: %v", ptr, err)
	}
	s.unmapHost(ptr, r)
}

func (s *Session) unmapHost(ptr uint64, r *hostRegion) {
	if err := unix.Munmap(r.mapping); err != nil {
		log.Warningf("vcuda: unmapping host memory %#x: %v", ptr, err)
	}
	delete(s.hostRegs, ptr)
}

// releaseHostRegions unregisters every host region.
func (s *Session) releaseHostRegions() {
	for ptr, r := range s.hostRegs {
		s.unregisterHost(ptr, r)
	}
}
