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


// Package util groups helpers shared by vcudad commands.
package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/vcuda/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the hypervisor that launched vcudad.
var ErrorLogger io.Writer

// Fatalf logs the same message to the log and to ErrorLogger and exits with
// status 128.
func Fatalf(format string, args ...any) {
	log.WarningfAtDepth(1, format, args...)
	writeError(format, args...)
	os.Exit(128)
}

// Infof writes an informational message to the log and to stdout.
func Infof(format string, args ...any) {
	log.InfofAtDepth(1, format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func writeError(format string, args ...any) {
	if ErrorLogger == nil {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
		return
	}
	fmt.Fprintf(ErrorLogger, "%s: %s\n", time.Now().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
}
