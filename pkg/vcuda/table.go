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
)

// table maps small guest-visible indices to host objects. Index 0 may be
// reserved so that valid indices start at 1. Freed slots are reused
// lowest-first.
type table[T any] struct {
	name  string
	slots []T
	used  []bool
	first int
}

func newTable[T any](name string, capacity int, reserveZero bool) *table[T] {
	t := &table[T]{
		name:  name,
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
	}
	if reserveZero {
		t.first = 1
	}
	return t
}

// insert stores v in the lowest free slot and returns its index.
func (t *table[T]) insert(v T) (uint64, error) {
	for i := t.first; i < len(t.slots); i++ {
		if !t.used[i] {
			t.slots[i] = v
			t.used[i] = true
			return uint64(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s table holds %d entries", ErrCapacityExceeded, t.name, len(t.slots)-t.first)
}

// get returns the object at idx.
func (t *table[T]) get(idx uint64) (T, error) {
	if idx < uint64(t.first) || idx >= uint64(len(t.slots)) || !t.used[idx] {
		var zero T
		return zero, fmt.Errorf("%w: %s %d", ErrInvalidHandle, t.name, idx)
	}
	return t.slots[idx], nil
}

// remove frees idx and returns the object that was there.
func (t *table[T]) remove(idx uint64) (T, error) {
	v, err := t.get(idx)
	if err != nil {
		return v, err
	}
	var zero T
	t.slots[idx] = zero
	t.used[idx] = false
	return v, nil
}

// forEach calls fn for every occupied slot in index order.
func (t *table[T]) forEach(fn func(idx uint64, v T)) {
	for i := t.first; i < len(t.slots); i++ {
		if t.used[i] {
			fn(uint64(i), t.slots[i])
		}
	}
}

// removeFunc frees every occupied slot whose object satisfies fn and returns
// how many were freed.
func (t *table[T]) removeFunc(fn func(v T) bool) int {
	n := 0
	var zero T
	for i := t.first; i < len(t.slots); i++ {
		if t.used[i] && fn(t.slots[i]) {
			t.slots[i] = zero
			t.used[i] = false
			n++
		}
	}
	return n
}

// len returns the number of occupied slots.
func (t *table[T]) len() int {
	n := 0
	for i := t.first; i < len(t.used); i++ {
		if t.used[i] {
			n++
		}
	}
	return n
}

// reset empties the table.
func (t *table[T]) reset() {
	clear(t.slots)
	clear(t.used)
}
