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

	"github.com/dustin/go-humanize"
	"gvisor.dev/vcuda/pkg/log"
)

// sideWrite replaces the side-channel buffer with size bytes gathered from
// the guest.
func (s *Session) sideWrite(gpa, size, offset uint64, contiguous bool) error {
	bufs, err := guestBuffers(s.mem, gpa, size, offset, s.opts.ChunkCap, contiguous)
	if err != nil {
		return err
	}
	side := make([]byte, 0, size)
	for _, b := range bufs {
		side = append(side, b...)
	}
	s.side = side
	copyBytesMetric.AddSample(int64(size), "SideWrite")
	log.Debugf("vcuda: side channel holds %s", humanize.IBytes(size))
	return nil
}

// sideRead scatters the first size bytes of the side-channel buffer to the
// guest.
func (s *Session) sideRead(gpa, size, offset uint64, contiguous bool) error {
	if s.side == nil {
		return ErrNoBufferWritten
	}
	if size > uint64(len(s.side)) {
		return fmt.Errorf("%w: reading %d bytes, buffer holds %d", ErrInvalidValue, size, len(s.side))
	}
	bufs, err := guestBuffers(s.mem, gpa, size, offset, s.opts.ChunkCap, contiguous)
	if err != nil {
		return err
	}
	src := s.side
	for _, b := range bufs {
		src = src[copy(b, src):]
	}
	copyBytesMetric.AddSample(int64(size), "SideRead")
	return nil
}
