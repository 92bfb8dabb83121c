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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecordLayout(t *testing.T) {
	r := Record{
		Cmd:    CmdMemcpy,
		Flag:   uint32(MemcpyHostToDevice),
		PA:     0x1122334455667788,
		PB:     0x99aabbccddeeff00,
		PASize: 0x1000,
		PBSize: 0x2000,
		Para:   1,
		Rnd:    StreamSentinel,
	}
	buf := r.Encode()
	if len(buf) != SizeofRecord {
		t.Fatalf("len(Encode())=%d, want: %d", len(buf), SizeofRecord)
	}
	for _, tc := range []struct {
		name string
		off  int
		size int
		want uint64
	}{
		{"cmd", 0, 4, uint64(CmdMemcpy)},
		{"flag", 4, 4, uint64(MemcpyHostToDevice)},
		{"pA", 8, 8, r.PA},
		{"pB", 16, 8, r.PB},
		{"pASize", 24, 4, 0x1000},
		{"pBSize", 28, 4, 0x2000},
		{"para", 32, 8, 1},
		{"rnd", 40, 8, StreamSentinel},
	} {
		var got uint64
		if tc.size == 4 {
			got = uint64(binary.LittleEndian.Uint32(buf[tc.off:]))
		} else {
			got = binary.LittleEndian.Uint64(buf[tc.off:])
		}
		if got != tc.want {
			t.Errorf("%s at offset %d=%#x, want: %#x", tc.name, tc.off, got, tc.want)
		}
	}

	got, err := DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("DecodeRecord mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRecordShort(t *testing.T) {
	if _, err := DecodeRecord(make([]byte, SizeofRecord-1)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeRecord(short)=%v, want: %v", err, ErrShortBuffer)
	}
}

func TestRecordStatusAndFloat(t *testing.T) {
	r := Record{Cmd: CmdEventElapsedTime}
	r.SetStatus(StatusInvalidResourceHandle)
	if got := r.Status(); got != StatusInvalidResourceHandle {
		t.Errorf("Status()=%v, want: %v", got, StatusInvalidResourceHandle)
	}
	r.SetFloat(1.5)
	if got := r.Float(); got != 1.5 {
		t.Errorf("Float()=%v, want: 1.5", got)
	}
	if r.Flag != 0x3fc00000 {
		t.Errorf("Flag=%#x, want: 0x3fc00000", r.Flag)
	}
}

func TestCmdNames(t *testing.T) {
	for _, c := range Cmds() {
		if !c.Valid() {
			t.Errorf("%v is not valid", c)
		}
		if int(c) <= 0 || int(c) >= CmdMax {
			t.Errorf("%v=%d out of range (0, %d)", c, int32(c), CmdMax)
		}
	}
	if Cmd(99).Valid() {
		t.Errorf("Cmd(99) is valid")
	}
	if got, want := Cmd(99).String(), "Cmd(99)"; got != want {
		t.Errorf("String()=%q, want: %q", got, want)
	}
}

func TestParams(t *testing.T) {
	a := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := []byte{9, 10, 11, 12}
	buf := EncodeParams(a, b, nil)
	got, err := DecodeParams(buf)
	if err != nil {
		t.Fatalf("DecodeParams failed: %v", err)
	}
	want := [][]byte{a, b, {}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeParams mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"count too large", binary.LittleEndian.AppendUint32(nil, 1<<30)},
		{"truncated value", EncodeParams([]byte{1, 2, 3, 4})[:10]},
		{"missing size", binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, 2), 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeParams(tc.buf); !errors.Is(err, ErrShortBuffer) {
				t.Errorf("DecodeParams=%v, want: %v", err, ErrShortBuffer)
			}
		})
	}
}

func TestParamsExact(t *testing.T) {
	buf := EncodeParams([]byte{1, 2}, []byte{3})
	if _, err := DecodeParamsExact(buf); err != nil {
		t.Errorf("DecodeParamsExact failed: %v", err)
	}
	padded := append(buf, 0, 0, 0, 0)
	if _, err := DecodeParams(padded); err != nil {
		t.Errorf("DecodeParams with trailing bytes failed: %v", err)
	}
	if _, err := DecodeParamsExact(padded); !errors.Is(err, ErrTrailingBytes) {
		t.Errorf("DecodeParamsExact=%v, want: %v", err, ErrTrailingBytes)
	}
	if _, err := DecodeParamsExact(buf[:len(buf)-1]); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeParamsExact=%v, want: %v", err, ErrShortBuffer)
	}
}

func TestLaunchConfig(t *testing.T) {
	want := LaunchConfig{GridX: 4, GridY: 1, GridZ: 1, BlockX: 256, BlockY: 1, BlockZ: 1, Stream: StreamSentinel}
	buf := make([]byte, SizeofLaunchConfig)
	want.MarshalBytes(buf)
	got, err := DecodeLaunchConfig(buf)
	if err != nil {
		t.Fatalf("DecodeLaunchConfig failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeLaunchConfig mismatch (-want +got):\n%s", diff)
	}
	if _, err := DecodeLaunchConfig(buf[:7*8]); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeLaunchConfig(short)=%v, want: %v", err, ErrShortBuffer)
	}
}

func TestDeviceProp(t *testing.T) {
	var p DeviceProp
	p.SetName("Simulated GPU")
	p.TotalGlobalMem = 1 << 30
	p.WarpSize = 32
	p.MaxGridSize = [3]int32{1 << 20, 65535, 65535}
	p.Major = 8
	buf := make([]byte, SizeofDeviceProp)
	if rest := p.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	if got := binary.LittleEndian.Uint64(buf[DeviceNameLen:]); got != 1<<30 {
		t.Errorf("TotalGlobalMem on wire=%d, want: %d", got, 1<<30)
	}
	var got DeviceProp
	got.UnmarshalBytes(buf)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("DeviceProp mismatch (-want +got):\n%s", diff)
	}
	if got.NameString() != "Simulated GPU" {
		t.Errorf("NameString()=%q, want: %q", got.NameString(), "Simulated GPU")
	}
}
