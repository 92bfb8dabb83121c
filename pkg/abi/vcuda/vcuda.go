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

// Package vcuda defines the wire ABI between the guest-side CUDA shim and the
// host-side remoting device: opcodes, the fixed-size request record, status
// codes and the layouts of the buffers that requests point at.
//
// All multi-byte values are little endian.
package vcuda

import "fmt"

// Cmd is a request opcode. It travels in Record.Cmd and is overwritten by the
// result Status when the request completes.
type Cmd int32

// Raw block side channel and backing-file windows.
const (
	CmdOpen        Cmd = 1
	CmdClose       Cmd = 2
	CmdWrite       Cmd = 3
	CmdRead        Cmd = 4
	CmdMmap        Cmd = 5
	CmdMunmap      Cmd = 6
	CmdMmapCtl     Cmd = 7
	CmdMmapRelease Cmd = 8
)

// Module and execution control.
const (
	CmdRegisterFatBinary   Cmd = 100
	CmdUnregisterFatBinary Cmd = 101
	CmdRegisterFunction    Cmd = 102
	CmdLaunch              Cmd = 103
)

// Memory management.
const (
	CmdMalloc      Cmd = 110
	CmdMemset      Cmd = 111
	CmdMemcpy      Cmd = 112
	CmdMemcpyAsync Cmd = 113
	CmdFree        Cmd = 114
)

// Device management.
const (
	CmdGetDevice           Cmd = 120
	CmdGetDeviceCount      Cmd = 121
	CmdSetDevice           Cmd = 122
	CmdGetDeviceProperties Cmd = 123
	CmdDeviceSynchronize   Cmd = 124
	CmdDeviceReset         Cmd = 125
	CmdSetDeviceFlags      Cmd = 126
)

// Version management.
const (
	CmdDriverGetVersion  Cmd = 130
	CmdRuntimeGetVersion Cmd = 131
)

// Streams and events.
const (
	CmdStreamCreate         Cmd = 140
	CmdStreamDestroy        Cmd = 141
	CmdEventCreate          Cmd = 150
	CmdEventCreateWithFlags Cmd = 151
	CmdEventRecord          Cmd = 152
	CmdEventSynchronize     Cmd = 153
	CmdEventElapsedTime     Cmd = 154
	CmdEventDestroy         Cmd = 155
)

// Error handling and zero-copy host memory.
const (
	CmdGetLastError         Cmd = 160
	CmdHostRegister         Cmd = 170
	CmdHostGetDevicePointer Cmd = 171
	CmdHostUnregister       Cmd = 172
)

// CmdMax bounds all opcodes; it is the size of dispatch tables indexed by Cmd.
const CmdMax = 192

var cmdNames = map[Cmd]string{
	CmdOpen:                 "Open",
	CmdClose:                "Close",
	CmdWrite:                "Write",
	CmdRead:                 "Read",
	CmdMmap:                 "Mmap",
	CmdMunmap:               "Munmap",
	CmdMmapCtl:              "MmapCtl",
	CmdMmapRelease:          "MmapRelease",
	CmdRegisterFatBinary:    "RegisterFatBinary",
	CmdUnregisterFatBinary:  "UnregisterFatBinary",
	CmdRegisterFunction:     "RegisterFunction",
	CmdLaunch:               "Launch",
	CmdMalloc:               "Malloc",
	CmdMemset:               "Memset",
	CmdMemcpy:               "Memcpy",
	CmdMemcpyAsync:          "MemcpyAsync",
	CmdFree:                 "Free",
	CmdGetDevice:            "GetDevice",
	CmdGetDeviceCount:       "GetDeviceCount",
	CmdSetDevice:            "SetDevice",
	CmdGetDeviceProperties:  "GetDeviceProperties",
	CmdDeviceSynchronize:    "DeviceSynchronize",
	CmdDeviceReset:          "DeviceReset",
	CmdSetDeviceFlags:       "SetDeviceFlags",
	CmdDriverGetVersion:     "DriverGetVersion",
	CmdRuntimeGetVersion:    "RuntimeGetVersion",
	CmdStreamCreate:         "StreamCreate",
	CmdStreamDestroy:        "StreamDestroy",
	CmdEventCreate:          "EventCreate",
	CmdEventCreateWithFlags: "EventCreateWithFlags",
	CmdEventRecord:          "EventRecord",
	CmdEventSynchronize:     "EventSynchronize",
	CmdEventElapsedTime:     "EventElapsedTime",
	CmdEventDestroy:         "EventDestroy",
	CmdGetLastError:         "GetLastError",
	CmdHostRegister:         "HostRegister",
	CmdHostGetDevicePointer: "HostGetDevicePointer",
	CmdHostUnregister:       "HostUnregister",
}

// String implements fmt.Stringer.String.
func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cmd(%d)", int32(c))
}

// Valid returns true if c is a known opcode.
func (c Cmd) Valid() bool {
	_, ok := cmdNames[c]
	return ok
}

// Cmds returns all known opcodes.
func Cmds() []Cmd {
	cmds := make([]Cmd, 0, len(cmdNames))
	for c := range cmdNames {
		cmds = append(cmds, c)
	}
	return cmds
}
