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
	"encoding/binary"
	"fmt"
	"math"
)

// SizeofRecord is the encoded size of Record.
const SizeofRecord = 48

// Record is the fixed-size request record exchanged for every call. The guest
// fills it in, the host rewrites it in place and returns it.
//
// Layout (little endian):
//
//	0  Cmd    int32
//	4  Flag   uint32
//	8  PA     uint64
//	16 PB     uint64
//	24 PASize uint32
//	28 PBSize uint32
//	32 Para   uint64
//	40 Rnd    uint64
type Record struct {
	Cmd    Cmd
	Flag   uint32
	PA     uint64
	PB     uint64
	PASize uint32
	PBSize uint32
	Para   uint64
	Rnd    uint64
}

// SizeBytes returns the encoded size of r.
func (r *Record) SizeBytes() int {
	return SizeofRecord
}

// MarshalBytes serializes r into dst and returns the remainder of dst.
func (r *Record) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint32(dst[0:], uint32(r.Cmd))
	binary.LittleEndian.PutUint32(dst[4:], r.Flag)
	binary.LittleEndian.PutUint64(dst[8:], r.PA)
	binary.LittleEndian.PutUint64(dst[16:], r.PB)
	binary.LittleEndian.PutUint32(dst[24:], r.PASize)
	binary.LittleEndian.PutUint32(dst[28:], r.PBSize)
	binary.LittleEndian.PutUint64(dst[32:], r.Para)
	binary.LittleEndian.PutUint64(dst[40:], r.Rnd)
	return dst[SizeofRecord:]
}

// UnmarshalBytes deserializes r from src and returns the remainder of src.
// src must be at least SizeofRecord bytes long.
func (r *Record) UnmarshalBytes(src []byte) []byte {
	r.Cmd = Cmd(int32(binary.LittleEndian.Uint32(src[0:])))
	r.Flag = binary.LittleEndian.Uint32(src[4:])
	r.PA = binary.LittleEndian.Uint64(src[8:])
	r.PB = binary.LittleEndian.Uint64(src[16:])
	r.PASize = binary.LittleEndian.Uint32(src[24:])
	r.PBSize = binary.LittleEndian.Uint32(src[28:])
	r.Para = binary.LittleEndian.Uint64(src[32:])
	r.Rnd = binary.LittleEndian.Uint64(src[40:])
	return src[SizeofRecord:]
}

// DecodeRecord decodes a record from buf, which must hold at least
// SizeofRecord bytes.
func DecodeRecord(buf []byte) (Record, error) {
	var r Record
	if len(buf) < SizeofRecord {
		return r, fmt.Errorf("%w: record is %d bytes, need %d", ErrShortBuffer, len(buf), SizeofRecord)
	}
	r.UnmarshalBytes(buf)
	return r, nil
}

// Encode returns the wire form of r.
func (r *Record) Encode() []byte {
	buf := make([]byte, SizeofRecord)
	r.MarshalBytes(buf)
	return buf
}

// SetStatus stores the completion status in the opcode slot.
func (r *Record) SetStatus(s Status) {
	r.Cmd = Cmd(s)
}

// Status returns the completion status held in the opcode slot.
func (r *Record) Status() Status {
	return Status(r.Cmd)
}

// SetFloat stores f in Flag as IEEE-754 single precision bits. It is used to
// return elapsed times.
func (r *Record) SetFloat(f float32) {
	r.Flag = math.Float32bits(f)
}

// Float returns Flag interpreted as IEEE-754 single precision bits.
func (r *Record) Float() float32 {
	return math.Float32frombits(r.Flag)
}

// String implements fmt.Stringer.String.
func (r *Record) String() string {
	return fmt.Sprintf("{Cmd:%v Flag:%#x PA:%#x PB:%#x PASize:%d PBSize:%d Para:%#x Rnd:%#x}",
		r.Cmd, r.Flag, r.PA, r.PB, r.PASize, r.PBSize, r.Para, r.Rnd)
}
