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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// pipeCall is a request waiting in a Pipe.
type pipeCall struct {
	elem *Element
	done chan int
}

// Pipe is an in-process bounded Queue. The guest side issues requests with
// Call.
type Pipe struct {
	calls chan *pipeCall

	closeOnce sync.Once
	closed    chan struct{}

	// notifications counts Notify calls.
	notifications atomic.Uint64
}

var _ Queue = (*Pipe)(nil)

// NewPipe returns a Pipe holding at most depth pending requests.
func NewPipe(depth int) *Pipe {
	return &Pipe{
		calls:  make(chan *pipeCall, depth),
		closed: make(chan struct{}),
	}
}

// Call submits req, waits for the device to complete it and returns the
// response, at most respCap bytes long.
func (p *Pipe) Call(ctx context.Context, req []byte, respCap int) ([]byte, error) {
	resp := make([]byte, respCap)
	c := &pipeCall{
		elem: &Element{Out: [][]byte{append([]byte(nil), req...)}, In: [][]byte{resp}},
		done: make(chan int, 1),
	}
	c.elem.token = c
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case p.calls <- c:
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case n := <-c.done:
		return resp[:n], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pop implements Queue.Pop.
func (p *Pipe) Pop(ctx context.Context) (*Element, error) {
	select {
	case c := <-p.calls:
		return c.elem, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		// Drain requests submitted before Close.
		select {
		case c := <-p.calls:
			return c.elem, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Push implements Queue.Push.
func (p *Pipe) Push(e *Element, n int) error {
	c, ok := e.token.(*pipeCall)
	if !ok {
		return fmt.Errorf("element was not produced by this pipe")
	}
	if n < 0 || n > e.InLen() {
		return fmt.Errorf("response length %d exceeds in buffers of %d bytes", n, e.InLen())
	}
	c.done <- n
	return nil
}

// Notify implements Queue.Notify.
func (p *Pipe) Notify() error {
	p.notifications.Add(1)
	return nil
}

// Notifications returns the number of Notify calls so far.
func (p *Pipe) Notifications() uint64 {
	return p.notifications.Load()
}

// Close stops accepting new requests. Pending requests are still delivered
// by Pop.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
