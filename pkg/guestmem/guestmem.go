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


// Package guestmem translates guest-physical addresses into host memory.
//
// Guest memory is described as a set of non-overlapping regions, each backed
// by a host mapping. Only RAM regions are translatable; ROM regions and holes
// fail with ErrAddressTranslation.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrAddressTranslation is returned when a guest-physical range is not backed
// by guest RAM.
var ErrAddressTranslation = errors.New("guest address not backed by RAM")

// ErrOverlap is returned by Map.Add for a region that overlaps an existing
// one.
var ErrOverlap = errors.New("guest memory region overlaps an existing region")

// Kind is the type of a guest memory region.
type Kind int

const (
	// RAM is ordinary guest RAM.
	RAM Kind = iota

	// ROM is read-only device memory. It is never translated.
	ROM
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "ram":
		return RAM, nil
	case "rom":
		return ROM, nil
	default:
		return 0, fmt.Errorf("unknown memory kind %q", s)
	}
}

// Region is a guest-physical range backed by host memory.
type Region struct {
	// GPA is the guest-physical address of Mem[0].
	GPA uint64

	// Mem is the host mapping backing the region.
	Mem []byte

	// Kind is the region type.
	Kind Kind
}

// End returns the guest-physical address one past the end of r.
func (r Region) End() uint64 {
	return r.GPA + uint64(len(r.Mem))
}

func (r Region) contains(gpa uint64) bool {
	return gpa >= r.GPA && gpa < r.End()
}

// TranslationError describes a failed translation.
type TranslationError struct {
	GPA    uint64
	Length uint64
	Reason string
}

// Error implements error.Error.
func (e *TranslationError) Error() string {
	return fmt.Sprintf("translating guest range [%#x, %#x): %s", e.GPA, e.GPA+e.Length, e.Reason)
}

// Unwrap returns ErrAddressTranslation.
func (e *TranslationError) Unwrap() error {
	return ErrAddressTranslation
}

// Translator converts guest-physical ranges into host memory.
type Translator interface {
	// Translate returns host memory for the guest-physical range
	// [gpa, gpa+length). The range must lie in a single RAM region. The
	// returned slice aliases guest memory.
	Translate(gpa, length uint64) ([]byte, error)
}

// Map is a Translator over a set of regions ordered by guest-physical
// address.
//
// Map is safe for concurrent use.
type Map struct {
	mu      sync.RWMutex
	regions *btree.BTreeG[Region]
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{
		regions: btree.NewG(8, func(a, b Region) bool { return a.GPA < b.GPA }),
	}
}

// floor returns the region with the greatest GPA <= gpa.
func (m *Map) floor(gpa uint64) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	m.regions.DescendLessOrEqual(Region{GPA: gpa}, func(r Region) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}

// Add inserts r.
func (m *Map) Add(r Region) error {
	if len(r.Mem) == 0 {
		return fmt.Errorf("empty region at %#x", r.GPA)
	}
	if r.End() < r.GPA {
		return fmt.Errorf("region at %#x wraps the address space", r.GPA)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.floor(r.End() - 1); ok && prev.End() > r.GPA {
		return fmt.Errorf("%w: [%#x, %#x) and [%#x, %#x)", ErrOverlap, r.GPA, r.End(), prev.GPA, prev.End())
	}
	m.regions.ReplaceOrInsert(r)
	return nil
}

// Remove deletes the region starting at gpa and returns it.
func (m *Map) Remove(gpa uint64) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions.Delete(Region{GPA: gpa})
}

// Regions returns all regions in address order.
func (m *Map) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]Region, 0, m.regions.Len())
	m.regions.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Translate implements Translator.Translate.
func (m *Map) Translate(gpa, length uint64) ([]byte, error) {
	m.mu.RLock()
	r, ok := m.floor(gpa)
	m.mu.RUnlock()
	if !ok || !r.contains(gpa) {
		return nil, &TranslationError{GPA: gpa, Length: length, Reason: "unmapped"}
	}
	if r.Kind != RAM {
		return nil, &TranslationError{GPA: gpa, Length: length, Reason: "region is " + r.Kind.String()}
	}
	off := gpa - r.GPA
	if length > uint64(len(r.Mem))-off {
		return nil, &TranslationError{GPA: gpa, Length: length, Reason: fmt.Sprintf("crosses end of region at %#x", r.End())}
	}
	return r.Mem[off : off+length : off+length], nil
}

// TranslateAvailable returns host memory from gpa to the end of its region,
// capped at limit bytes.
func (m *Map) TranslateAvailable(gpa, limit uint64) ([]byte, error) {
	m.mu.RLock()
	r, ok := m.floor(gpa)
	m.mu.RUnlock()
	if !ok || !r.contains(gpa) || r.Kind != RAM {
		return nil, &TranslationError{GPA: gpa, Length: 1, Reason: "not in a RAM region"}
	}
	return m.Translate(gpa, min(limit, r.End()-gpa))
}

// ReadUint64s reads n little-endian uint64s starting at gpa. It is used to
// fetch guest scatter lists.
func ReadUint64s(t Translator, gpa uint64, n int) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	buf, err := t.Translate(gpa, uint64(n)*8)
	if err != nil {
		return nil, err
	}
	vals := make([]uint64, n)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return vals, nil
}
