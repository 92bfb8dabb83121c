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
	"errors"

	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/guestmem"
)

// Errors returned by command handlers. Each maps to one in-band status, see
// StatusOf.
var (
	// ErrAddressTranslation is returned when a guest-physical range is not
	// backed by guest RAM.
	ErrAddressTranslation = guestmem.ErrAddressTranslation

	// ErrInvalidDeviceIndex is returned for a device index outside
	// [0, device count).
	ErrInvalidDeviceIndex = errors.New("invalid device index")

	// ErrInvalidHandle is returned for a stream, event, function, fd or host
	// pointer token that names nothing.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrMalformedArgumentBuffer is returned when an argument buffer read from
	// guest memory cannot be decoded.
	ErrMalformedArgumentBuffer = errors.New("malformed argument buffer")

	// ErrNoBufferWritten is returned by a side-channel Read that precedes
	// every Write.
	ErrNoBufferWritten = errors.New("no buffer written")

	// ErrCapacityExceeded is returned when a resource table is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotInitialized is returned by CUDA requests issued before
	// RegisterFatBinary or after UnregisterFatBinary.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidValue is returned for an argument that is out of range.
	ErrInvalidValue = errors.New("invalid value")
)

// StatusOf converts a handler error into the status returned to the guest.
func StatusOf(err error) abi.Status {
	if err == nil {
		return abi.StatusSuccess
	}
	var (
		derr *driver.Error
		serr statusError
	)
	switch {
	case errors.As(err, &serr):
		return abi.Status(serr)
	case errors.As(err, &derr):
		return abi.Status(derr.Code)
	case errors.Is(err, ErrAddressTranslation):
		return abi.StatusInvalidHostPointer
	case errors.Is(err, ErrInvalidDeviceIndex):
		return abi.StatusInvalidDevice
	case errors.Is(err, ErrInvalidHandle):
		return abi.StatusInvalidResourceHandle
	case errors.Is(err, ErrNoBufferWritten):
		return abi.StatusNoBufferWritten
	case errors.Is(err, ErrCapacityExceeded):
		return abi.StatusMemoryAllocation
	case errors.Is(err, ErrNotInitialized):
		return abi.StatusInitializationError
	case errors.Is(err, ErrMalformedArgumentBuffer),
		errors.Is(err, ErrInvalidValue),
		errors.Is(err, abi.ErrShortBuffer):
		return abi.StatusInvalidValue
	default:
		return abi.StatusUnknown
	}
}
