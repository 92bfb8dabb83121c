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


package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/vcuda/pkg/log"
)

func TestCommands(t *testing.T) {
	names := make(map[string]string)
	forEachCmd(func(c subcommands.Command, group string) {
		if _, ok := names[c.Name()]; ok {
			t.Errorf("command %q registered twice", c.Name())
		}
		names[c.Name()] = group
	})
	for _, want := range []string{"serve", "devices", "gc", "help", "flags"} {
		if _, ok := names[want]; !ok {
			t.Errorf("command %q not registered", want)
		}
	}
	if names["gc"] != "helpers" {
		t.Errorf("gc group = %q, want helpers", names["gc"])
	}
}

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		var buf bytes.Buffer
		e := newEmitter(format, &buf)
		e.Emit(0, log.Info, time.Now(), "hello %d", 42)
		if !strings.Contains(buf.String(), "hello 42") {
			t.Errorf("%s emitter wrote %q", format, buf.String())
		}
	}
}
