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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	m := NewMap()
	for _, r := range []Region{
		{GPA: 0x1000, Mem: make([]byte, 0x2000), Kind: RAM},
		{GPA: 0x4000, Mem: make([]byte, 0x1000), Kind: ROM},
		{GPA: 0x10000, Mem: make([]byte, 0x1000), Kind: RAM},
	} {
		if err := m.Add(r); err != nil {
			t.Fatalf("Add(%#x): %v", r.GPA, err)
		}
	}
	return m
}

func TestTranslate(t *testing.T) {
	m := newTestMap(t)
	for _, tc := range []struct {
		name    string
		gpa     uint64
		length  uint64
		wantErr bool
	}{
		{name: "start of region", gpa: 0x1000, length: 16},
		{name: "whole region", gpa: 0x1000, length: 0x2000},
		{name: "last byte", gpa: 0x2fff, length: 1},
		{name: "zero length", gpa: 0x10000, length: 0},
		{name: "hole", gpa: 0x3000, length: 1, wantErr: true},
		{name: "below all regions", gpa: 0x10, length: 1, wantErr: true},
		{name: "rom", gpa: 0x4000, length: 1, wantErr: true},
		{name: "crosses end", gpa: 0x2ff0, length: 0x20, wantErr: true},
		{name: "past last region", gpa: 0x11000, length: 1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := m.Translate(tc.gpa, tc.length)
			if tc.wantErr {
				if !errors.Is(err, ErrAddressTranslation) {
					t.Errorf("Translate(%#x, %d)=%v, want: %v", tc.gpa, tc.length, err, ErrAddressTranslation)
				}
				var te *TranslationError
				if !errors.As(err, &te) || te.GPA != tc.gpa {
					t.Errorf("Translate error %v does not carry GPA %#x", err, tc.gpa)
				}
				return
			}
			if err != nil {
				t.Fatalf("Translate(%#x, %d): %v", tc.gpa, tc.length, err)
			}
			if uint64(len(buf)) != tc.length {
				t.Errorf("len=%d, want: %d", len(buf), tc.length)
			}
		})
	}
}

func TestTranslateAliases(t *testing.T) {
	m := newTestMap(t)
	buf, err := m.Translate(0x1800, 4)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	copy(buf, "abcd")
	r := m.Regions()[0]
	if got := string(r.Mem[0x800:0x804]); got != "abcd" {
		t.Errorf("region bytes=%q, want: %q", got, "abcd")
	}
}

func TestTranslateAvailable(t *testing.T) {
	m := newTestMap(t)
	buf, err := m.TranslateAvailable(0x2f00, 4096)
	if err != nil {
		t.Fatalf("TranslateAvailable: %v", err)
	}
	if len(buf) != 0x100 {
		t.Errorf("len=%d, want: %d", len(buf), 0x100)
	}
	if _, err := m.TranslateAvailable(0x4000, 16); !errors.Is(err, ErrAddressTranslation) {
		t.Errorf("TranslateAvailable(rom)=%v, want: %v", err, ErrAddressTranslation)
	}
}

func TestAddOverlap(t *testing.T) {
	m := newTestMap(t)
	for _, r := range []Region{
		{GPA: 0x0, Mem: make([]byte, 0x1001)},
		{GPA: 0x2000, Mem: make([]byte, 0x10)},
		{GPA: 0x4fff, Mem: make([]byte, 0x10)},
	} {
		if err := m.Add(r); !errors.Is(err, ErrOverlap) {
			t.Errorf("Add([%#x, %#x))=%v, want: %v", r.GPA, r.End(), err, ErrOverlap)
		}
	}
	if err := m.Add(Region{GPA: 0x3000, Mem: make([]byte, 0x1000)}); err != nil {
		t.Errorf("Add(adjacent): %v", err)
	}
	var got []uint64
	for _, r := range m.Regions() {
		got = append(got, r.GPA)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x3000, 0x4000, 0x10000}, got); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
	if _, ok := m.Remove(0x3000); !ok {
		t.Errorf("Remove(0x3000) found nothing")
	}
	if _, err := m.Translate(0x3000, 1); !errors.Is(err, ErrAddressTranslation) {
		t.Errorf("Translate after Remove=%v, want: %v", err, ErrAddressTranslation)
	}
}

func TestReadUint64s(t *testing.T) {
	m := newTestMap(t)
	buf, _ := m.Translate(0x1000, 24)
	for i, v := range []uint64{0x10000, 0x1000, 0xdeadbeef} {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	got, err := ReadUint64s(m, 0x1000, 3)
	if err != nil {
		t.Fatalf("ReadUint64s: %v", err)
	}
	if diff := cmp.Diff([]uint64{0x10000, 0x1000, 0xdeadbeef}, got); diff != "" {
		t.Errorf("ReadUint64s mismatch (-want +got):\n%s", diff)
	}
	if _, err := ReadUint64s(m, 0x2ff8, 2); !errors.Is(err, ErrAddressTranslation) {
		t.Errorf("ReadUint64s(crossing)=%v, want: %v", err, ErrAddressTranslation)
	}
}

func TestAllocRAM(t *testing.T) {
	mem, err := AllocRAM(100)
	if err != nil {
		t.Fatalf("AllocRAM: %v", err)
	}
	defer Free(mem)
	if len(mem) != PageSize {
		t.Errorf("len=%d, want: %d", len(mem), PageSize)
	}
	for i, b := range mem {
		if b != 0 {
			t.Fatalf("mem[%d]=%d, want: 0", i, b)
		}
	}
}
