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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeAll(d []byte) {
	b.data = append(b.data, d...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

func (b *buffer) writeDigits(v, n int) {
	var d [10]byte
	for i := n - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	b.writeAll(d[:n])
}

// padded returns the decimal form of v right-aligned to width.
func padded(v int, width int) []byte {
	s := []byte(strconv.Itoa(v))
	for len(s) < width {
		s = append([]byte{' '}, s...)
	}
	return s
}

// pid is used for the threadid component of the header.
var pid = padded(os.Getpid(), 7)

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where the fields are defined as follows:
//
//	L                A single character, representing the log level (eg 'I' for INFO)
//	mm               The month (zero padded; ie May is '05')
//	dd               The day (zero padded)
//	hh:mm:ss.uuuuuu  Time in hours, minutes and fractional seconds
//	threadid         The space-padded process ID
//	file             The file name
//	line             The line number
//	msg              The user-supplied message
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	switch level {
	case Debug:
		b.write('D')
	case Info:
		b.write('I')
	case Warning:
		b.write('W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')

	b.writeAll(pid)
	b.write(' ')

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		b.writeString(file)
		b.write(':')
		b.writeString(strconv.Itoa(line))
	} else {
		b.writeString("???:0")
	}
	b.write(']')
	b.write(' ')

	// User-provided format string, copied.
	b.writeString(format)
	b.write('\n')

	g.Writer.Emit(depth+1, level, timestamp, string(b.data), args...)
}
