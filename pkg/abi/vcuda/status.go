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
	"fmt"
)

// ErrShortBuffer is returned when a buffer is too small to hold the layout
// being decoded from it.
var ErrShortBuffer = errors.New("buffer too short")

// ErrTrailingBytes is returned when a buffer of known length holds bytes past
// the layout decoded from it.
var ErrTrailingBytes = errors.New("trailing bytes")

// Status is a completion code, numerically compatible with cudaError_t.
type Status int32

// Status codes returned to the guest.
const (
	StatusSuccess               Status = 0
	StatusInvalidValue          Status = 1
	StatusMemoryAllocation      Status = 2
	StatusInitializationError   Status = 3
	StatusLaunchFailure         Status = 4
	StatusInvalidHostPointer    Status = 16
	StatusInvalidDevicePointer  Status = 17
	StatusInvalidDevice         Status = 101
	StatusNoDevice              Status = 100
	StatusInvalidKernelImage    Status = 200
	StatusInvalidResourceHandle Status = 400
	StatusNotReady              Status = 600
	StatusUnknown               Status = 999
	StatusNoBufferWritten       Status = 10001
)

var statusNames = map[Status]string{
	StatusSuccess:               "Success",
	StatusInvalidValue:          "InvalidValue",
	StatusMemoryAllocation:      "MemoryAllocation",
	StatusInitializationError:   "InitializationError",
	StatusLaunchFailure:         "LaunchFailure",
	StatusInvalidHostPointer:    "InvalidHostPointer",
	StatusInvalidDevicePointer:  "InvalidDevicePointer",
	StatusInvalidDevice:         "InvalidDevice",
	StatusNoDevice:              "NoDevice",
	StatusInvalidKernelImage:    "InvalidKernelImage",
	StatusInvalidResourceHandle: "InvalidResourceHandle",
	StatusNotReady:              "NotReady",
	StatusUnknown:               "Unknown",
	StatusNoBufferWritten:       "NoBufferWritten",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}
