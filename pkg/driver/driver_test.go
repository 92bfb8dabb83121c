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


package driver

import (
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	if err := Check("cuInit", Success); err != nil {
		t.Errorf("Check(Success)=%v, want: nil", err)
	}
	err := Check("cuMemAlloc", ErrorOutOfMemory)
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Check(ErrorOutOfMemory)=%T, want: *Error", err)
	}
	if de.Op != "cuMemAlloc" || de.Code != ErrorOutOfMemory || de.Name != "CUDA_ERROR_OUT_OF_MEMORY" {
		t.Errorf("Check(ErrorOutOfMemory)=%+v", de)
	}
	if got, want := err.Error(), "cuMemAlloc failed: CUDA_ERROR_OUT_OF_MEMORY (2)"; got != want {
		t.Errorf("Error()=%q, want: %q", got, want)
	}
	if got, want := Result(42).String(), "CUresult(42)"; got != want {
		t.Errorf("String()=%q, want: %q", got, want)
	}
}

func TestLaunchConfigThreads(t *testing.T) {
	cfg := LaunchConfig{Grid: [3]uint32{4, 2, 1}, Block: [3]uint32{256, 1, 1}}
	if got := cfg.Threads(); got != 2048 {
		t.Errorf("Threads()=%d, want: 2048", got)
	}
}
