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


package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mapThenMaybeFail(order *[]string, release bool) func() {
	cu := Make(func() {
		*order = append(*order, "unmap")
	})
	cu.Add(func() {
		*order = append(*order, "close")
	})
	defer cu.Clean()
	if release {
		return cu.Release()
	}
	return nil
}

func TestCleanReverseOrder(t *testing.T) {
	var order []string
	mapThenMaybeFail(&order, false)
	want := []string{"close", "unmap"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	cleaner := mapThenMaybeFail(&order, true)
	if len(order) != 0 {
		t.Fatalf("cleanup ran after Release: %v", order)
	}

	cleaner()
	want := []string{"close", "unmap"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("released cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times, want: 1", n)
	}
}
