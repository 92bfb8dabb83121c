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


package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrame bounds the size of a single request or response frame.
const MaxFrame = 1 << 20

// StreamQueue is a Queue over a byte stream such as a socket shared with
// the hypervisor.
//
// Requests are framed as a little-endian uint32 request length, a uint32
// response capacity and the request bytes. Responses are framed as a uint32
// length followed by the response bytes, in request order.
type StreamQueue struct {
	r *bufio.Reader

	// mu protects w.
	mu sync.Mutex
	w  *bufio.Writer
}

var _ Queue = (*StreamQueue)(nil)

// NewStreamQueue returns a StreamQueue reading requests from r and writing
// responses to w.
func NewStreamQueue(r io.Reader, w io.Writer) *StreamQueue {
	return &StreamQueue{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// Pop implements Queue.Pop. Reads are not interruptible; ctx is only checked
// before blocking.
func (q *StreamQueue) Pop(ctx context.Context) (*Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hdr [8]byte
	if _, err := io.ReadFull(q.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	reqLen := binary.LittleEndian.Uint32(hdr[0:])
	respCap := binary.LittleEndian.Uint32(hdr[4:])
	if reqLen > MaxFrame || respCap > MaxFrame {
		return nil, fmt.Errorf("frame of %d/%d bytes exceeds limit %d", reqLen, respCap, MaxFrame)
	}
	req := make([]byte, reqLen)
	if _, err := io.ReadFull(q.r, req); err != nil {
		return nil, fmt.Errorf("reading %d byte request: %w", reqLen, err)
	}
	return &Element{Out: [][]byte{req}, In: [][]byte{make([]byte, respCap)}}, nil
}

// Push implements Queue.Push.
func (q *StreamQueue) Push(e *Element, n int) error {
	if n < 0 || n > e.InLen() {
		return fmt.Errorf("response length %d exceeds in buffers of %d bytes", n, e.InLen())
	}
	resp := make([]byte, e.InLen())
	for off, i := 0, 0; i < len(e.In); i++ {
		off += copy(resp[off:], e.In[i])
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(n))
	if _, err := q.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := q.w.Write(resp[:n])
	return err
}

// Notify implements Queue.Notify by flushing buffered responses.
func (q *StreamQueue) Notify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.w.Flush()
}

// WriteRequest frames req for a StreamQueue. It is the guest side of the
// protocol.
func WriteRequest(w io.Writer, req []byte, respCap int) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(req)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(respCap))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(req)
	return err
}

// ReadResponse reads one response frame written by a StreamQueue.
func ReadResponse(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("response of %d bytes exceeds limit %d", n, MaxFrame)
	}
	resp := make([]byte, n)
	if _, err := io.ReadFull(r, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
