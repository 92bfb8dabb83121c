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


// Package transport delivers request buffers from the guest to the remoting
// device and responses back.
//
// The model is a paravirtual queue: each Element carries driver-readable
// ("out") buffers holding the request and device-writable ("in") buffers
// for the response. The device pops an element, writes the response into
// its in buffers, pushes it back with the number of bytes written and then
// notifies the guest.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Pop after the queue has been closed and drained.
var ErrClosed = errors.New("transport closed")

// Element is one in-flight request.
type Element struct {
	// Out holds the request, split across guest buffers.
	Out [][]byte

	// In receives the response.
	In [][]byte

	// token identifies the element to the queue that produced it.
	token any
}

// OutLen returns the total size of the out buffers.
func (e *Element) OutLen() int {
	n := 0
	for _, b := range e.Out {
		n += len(b)
	}
	return n
}

// InLen returns the total size of the in buffers.
func (e *Element) InLen() int {
	n := 0
	for _, b := range e.In {
		n += len(b)
	}
	return n
}

// Gather copies the out buffers into dst and returns the number of bytes
// copied.
func (e *Element) Gather(dst []byte) int {
	n := 0
	for _, b := range e.Out {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], b)
	}
	return n
}

// Scatter copies src into the in buffers and returns the number of bytes
// copied.
func (e *Element) Scatter(src []byte) int {
	n := 0
	for _, b := range e.In {
		if n == len(src) {
			break
		}
		n += copy(b, src[n:])
	}
	return n
}

// Queue is the device side of a transport.
type Queue interface {
	// Pop blocks until a request is available and returns it. It returns
	// ErrClosed once the queue is closed, or ctx.Err() if ctx is done first.
	Pop(ctx context.Context) (*Element, error)

	// Push completes e with n response bytes written to e.In.
	Push(e *Element, n int) error

	// Notify signals the guest that completed elements are available.
	Notify() error
}
