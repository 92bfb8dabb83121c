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
	"context"
	"errors"
	"runtime"
	"slices"

	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/log"
	"gvisor.dev/vcuda/pkg/metric"
	"gvisor.dev/vcuda/pkg/transport"
)

var (
	cmdField = metric.NewField("cmd", func() []string {
		names := []string{"unknown"}
		for _, c := range abi.Cmds() {
			names = append(names, c.String())
		}
		slices.Sort(names)
		return names
	}())

	resultField = metric.NewField("result", []string{"success", "failure"})

	copyField = metric.NewField("kind", []string{
		abi.MemcpyHostToDevice.String(),
		abi.MemcpyDeviceToHost.String(),
		abi.MemcpyDeviceToDevice.String(),
		"SideWrite",
		"SideRead",
	})

	requestsMetric = metric.MustCreateNewUint64Metric("/vcuda/requests",
		"Number of requests completed, by command and result.", cmdField, resultField)

	copyBytesMetric = metric.MustCreateNewDistributionMetric("/vcuda/copy_bytes",
		metric.NewExponentialBucketer(20, 0, 64, 2),
		"Size of synchronous copies in bytes.", copyField)

	malformedMetric = metric.MustCreateNewUint64Metric("/vcuda/malformed_requests",
		"Number of requests shorter than a record.")
)

// Dispatcher serves one Session from one queue. Requests are executed one at
// a time in arrival order.
type Dispatcher struct {
	Session *Session
	Queue   transport.Queue
}

// Run serves requests until the queue is closed, returning nil, or until ctx
// is done or the queue fails.
//
// Run locks the calling goroutine to its OS thread for its whole duration,
// since the driver's current context is per thread.
func (d *Dispatcher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		e, err := d.Queue.Pop(ctx)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		n := d.serve(e)
		if err := d.Queue.Push(e, n); err != nil {
			return err
		}
		if err := d.Queue.Notify(); err != nil {
			return err
		}
	}
}

// serve executes the request in e and writes the completed record to e's
// response buffers. It returns the number of response bytes written.
func (d *Dispatcher) serve(e *transport.Element) int {
	var buf [abi.SizeofRecord]byte
	n := e.Gather(buf[:])
	rec, err := abi.DecodeRecord(buf[:n])
	if err != nil {
		d.Session.warn.Warningf("vcuda: %v", err)
		malformedMetric.Increment()
		// Echo what arrived, zero padded.
		rec.UnmarshalBytes(buf[:])
		rec.SetStatus(abi.StatusInvalidValue)
	} else {
		d.handle(&rec)
	}
	return e.Scatter(rec.Encode())
}

// handle runs the request, converting a handler panic into an Unknown status.
func (d *Dispatcher) handle(r *abi.Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Traceback("vcuda: panic handling %v: %v", r.Cmd, p)
			r.SetStatus(abi.StatusUnknown)
		}
	}()
	d.Session.Handle(r)
}
