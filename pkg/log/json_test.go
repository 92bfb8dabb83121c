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


package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUnmarshalFromInt(t *testing.T) {
	for _, tc := range []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	} {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Fatalf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%v)=%v, want: %v", tc.i, lv, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: Debug},
		{in: "Warning", want: Warning},
		{in: "INFO", want: Info},
		{in: "verbose", want: Info, wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error=%v, wantErr: %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q)=%v, want: %v", tc.in, got, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e.Emit(0, Warning, ts, "vcuda: %s failed", "launch")

	if len(tw.lines) != 2 {
		t.Fatalf("got %d writes, want: 2 (object and newline): %q", len(tw.lines), tw.lines)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", tw.lines[0], err)
	}
	if got.Msg != "vcuda: launch failed" {
		t.Errorf("Msg=%q, want: %q", got.Msg, "vcuda: launch failed")
	}
	if got.Level != Warning {
		t.Errorf("Level=%v, want: %v", got.Level, Warning)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("Time=%v, want: %v", got.Time, ts)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("Caller=%q, want prefix json_test.go:", got.Caller)
	}
}
