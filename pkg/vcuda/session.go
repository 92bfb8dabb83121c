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

// Package vcuda implements the host side of GPU API remoting: a guest issues
// fixed-layout request records naming guest-physical memory and small integer
// handles, and a Session executes them against a native driver.
//
// A Session is not safe for concurrent use. All of its methods must be called
// from one goroutine, which Dispatcher locks to an OS thread because the
// native driver's current context is per thread.
package vcuda

import (
	"errors"
	"fmt"
	"os"
	"time"

	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/guestmem"
	"gvisor.dev/vcuda/pkg/log"
)

// Defaults applied by NewSession to zero Options fields.
const (
	DefaultBlockSize        = 4096
	DefaultFunctionCapacity = 8
	DefaultStreamCapacity   = 32
	DefaultEventCapacity    = 16
	DefaultChunkCap         = 4 << 20
)

// warnBurst is how many failed-request warnings are logged back to back
// before rate limiting applies.
const warnBurst = 10

// maxFatBinary bounds a fat binary registered without an explicit size.
const maxFatBinary = 4 << 20

// maxEntryName bounds a kernel entry name registered without an explicit
// length.
const maxEntryName = 256

// Memory is guest RAM as seen by a Session.
type Memory interface {
	guestmem.Translator

	// TranslateAvailable returns host memory from gpa to the end of the
	// region containing it, capped at limit bytes.
	TranslateAvailable(gpa, limit uint64) ([]byte, error)
}

// Options configures a Session.
type Options struct {
	// Driver executes native calls. It is initialized by RegisterFatBinary.
	Driver driver.Driver

	// Memory translates guest-physical addresses.
	Memory Memory

	// BlockSize is the guest mapping unit used by scatter-gather copies and
	// backing-file windows until the guest sets it with Open.
	BlockSize uint64

	// FunctionCapacity bounds the kernel registry and each device's function
	// table.
	FunctionCapacity int

	// StreamCapacity bounds the stream table, including the reserved slot 0.
	StreamCapacity int

	// EventCapacity bounds the event table.
	EventCapacity int

	// ChunkCap is the chunk size used by side-channel scatter copies.
	ChunkCap uint64

	// BackingDir holds backing files created by MmapCtl. Empty selects
	// os.TempDir().
	BackingDir string

	// PID names backing files. Zero selects os.Getpid().
	PID int
}

// deviceState is the lifecycle state of one device slot.
type deviceState int

const (
	// deviceUninitialized devices have no context. A device is in this state
	// after DeviceReset.
	deviceUninitialized deviceState = iota

	// deviceActive devices own a context.
	deviceActive
)

// loadedFunction is a kernel loaded into one device's context. Its index in
// device.funcs is the index of the registry entry it was loaded from.
type loadedFunction struct {
	loaded   bool
	id       uint32
	module   driver.Module
	function driver.Function
}

// device is the host-side state of one physical device.
type device struct {
	state deviceState
	ctx   driver.Context
	funcs []loadedFunction
}

// missing reports whether any of the first n registry entries is not loaded.
func (d *device) missing(n int) bool {
	for i := 0; i < n; i++ {
		if !d.funcs[i].loaded {
			return true
		}
	}
	return false
}

// owned is a native object together with the device whose context created
// it. Destroying that context destroys the object.
type owned[H any] struct {
	dev int
	h   H
}

// kernelEntry is a registered kernel. The image and name are owned copies.
type kernelEntry struct {
	id    uint32
	image []byte
	name  string
}

// Session is one guest's remoting state: devices, contexts, the kernel
// registry, streams, events, the side-channel buffer and backing files.
type Session struct {
	opts Options
	drv  driver.Driver
	mem  Memory

	// blockSize is the guest mapping unit, set by Open.
	blockSize uint64

	// initialized is true between RegisterFatBinary and
	// UnregisterFatBinary.
	initialized bool

	// driverReady is true once drv.Init succeeded.
	driverReady bool

	devices  []*device
	active   int
	registry []kernelEntry
	streams  *table[owned[driver.Stream]]
	events   *table[owned[driver.Event]]

	// lastErr is the sticky error reported by GetLastError.
	lastErr abi.Status

	// side is the side-channel buffer. It is nil until the first Write.
	side []byte

	// backing maps fd tokens to files opened by MmapCtl.
	backing map[int32]*backingFile

	// hostRegs maps host pointer tokens to HostRegister mappings.
	hostRegs map[uint64]*hostRegion

	warn log.Logger
}

// NewSession returns a Session. The session accepts only side-channel
// requests until the guest sends RegisterFatBinary.
func NewSession(opts Options) (*Session, error) {
	if opts.Driver == nil {
		return nil, errors.New("vcuda: no driver")
	}
	if opts.Memory == nil {
		return nil, errors.New("vcuda: no guest memory")
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.FunctionCapacity == 0 {
		opts.FunctionCapacity = DefaultFunctionCapacity
	}
	if opts.StreamCapacity == 0 {
		opts.StreamCapacity = DefaultStreamCapacity
	}
	if opts.EventCapacity == 0 {
		opts.EventCapacity = DefaultEventCapacity
	}
	if opts.ChunkCap == 0 {
		opts.ChunkCap = DefaultChunkCap
	}
	if opts.BackingDir == "" {
		opts.BackingDir = os.TempDir()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if err := checkBlockSize(opts.BlockSize); err != nil {
		return nil, fmt.Errorf("vcuda: %w", err)
	}
	if opts.FunctionCapacity < 0 || opts.StreamCapacity < 2 || opts.EventCapacity < 0 {
		return nil, fmt.Errorf("vcuda: invalid capacities: functions=%d streams=%d events=%d",
			opts.FunctionCapacity, opts.StreamCapacity, opts.EventCapacity)
	}
	return &Session{
		opts:      opts,
		drv:       opts.Driver,
		mem:       opts.Memory,
		blockSize: opts.BlockSize,
		streams:   newTable[owned[driver.Stream]]("stream", opts.StreamCapacity, true),
		events:    newTable[owned[driver.Event]]("event", opts.EventCapacity, false),
		backing:   make(map[int32]*backingFile),
		hostRegs:  make(map[uint64]*hostRegion),
		warn:      log.RateLimitedLogger(log.Log(), time.Second, warnBurst),
	}, nil
}

// checkBlockSize requires a guest mapping unit that is a positive multiple of
// the host page size.
func checkBlockSize(n uint64) error {
	if n == 0 || n%uint64(guestmem.PageSize) != 0 {
		return fmt.Errorf("%w: block size %d is not a multiple of the page size %d", ErrInvalidValue, n, guestmem.PageSize)
	}
	return nil
}

// BlockSize returns the current guest mapping unit.
func (s *Session) BlockSize() uint64 {
	return s.blockSize
}

// Initialized reports whether the CUDA half of the session is initialized.
func (s *Session) Initialized() bool {
	return s.initialized
}

// ActiveDevice returns the index of the active device.
func (s *Session) ActiveDevice() int {
	return s.active
}

// checkInit fails CUDA requests issued outside the initialized lifetime.
func (s *Session) checkInit() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// init enumerates devices and creates one context per device. Contexts are
// created in reverse order so that device 0 ends up current.
func (s *Session) init() error {
	if s.initialized {
		log.Debugf("vcuda: RegisterFatBinary on an initialized session")
		return nil
	}
	if !s.driverReady {
		if err := s.drv.Init(); err != nil {
			return err
		}
		s.driverReady = true
	}
	n, err := s.drv.DeviceCount()
	if err != nil {
		return err
	}
	s.devices = make([]*device, n)
	for i := range s.devices {
		s.devices[i] = &device{funcs: make([]loadedFunction, s.opts.FunctionCapacity)}
	}
	for i := n - 1; i >= 0; i-- {
		ctx, err := s.drv.CtxCreate(driver.Device(i))
		if err != nil {
			s.destroyContexts()
			return err
		}
		s.devices[i].ctx = ctx
		s.devices[i].state = deviceActive
	}
	s.active = 0
	s.registry = s.registry[:0]
	s.streams.reset()
	s.events.reset()
	s.lastErr = abi.StatusSuccess
	s.initialized = true
	log.Infof("vcuda: session initialized with %d device(s)", n)
	return nil
}

// teardown destroys every event, stream and context and releases host
// mappings. Errors are logged and do not stop the teardown.
func (s *Session) teardown() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	s.events.forEach(func(idx uint64, e owned[driver.Event]) {
		if err := s.drv.EventDestroy(e.h); err != nil {
			log.Warningf("vcuda: destroying event %d: %v", idx, err)
		}
	})
	s.events.reset()
	s.streams.forEach(func(idx uint64, st owned[driver.Stream]) {
		if err := s.drv.StreamDestroy(st.h); err != nil {
			log.Warningf("vcuda: destroying stream %d: %v", idx, err)
		}
	})
	s.streams.reset()
	s.releaseHostRegions()
	s.destroyContexts()
	s.releaseAsyncMappings()
	s.registry = s.registry[:0]
	s.initialized = false
	log.Infof("vcuda: session torn down")
	return nil
}

// destroyContexts destroys the context of every active device.
func (s *Session) destroyContexts() {
	for i, d := range s.devices {
		if d == nil || d.state != deviceActive {
			continue
		}
		if err := s.destroyContext(i); err != nil {
			log.Warningf("vcuda: destroying context of device %d: %v", i, err)
		}
	}
}

// destroyContext destroys device i's context and returns the device to the
// uninitialized state. Streams and events created in the context die with it,
// so their table entries are dropped without calling the driver.
func (s *Session) destroyContext(i int) error {
	err := s.drv.CtxDestroy(s.devices[i].ctx)
	s.devices[i] = &device{funcs: make([]loadedFunction, s.opts.FunctionCapacity)}
	streams := s.streams.removeFunc(func(st owned[driver.Stream]) bool { return st.dev == i })
	events := s.events.removeFunc(func(e owned[driver.Event]) bool { return e.dev == i })
	if streams+events > 0 {
		log.Debugf("vcuda: dropped %d stream(s) and %d event(s) of device %d", streams, events, i)
	}
	return err
}

// ensureActive makes the active device's context current, creating it if the
// device was reset, and loads every registry entry the device lacks.
func (s *Session) ensureActive() error {
	d := s.devices[s.active]
	if d.state == deviceUninitialized {
		ctx, err := s.drv.CtxCreate(driver.Device(s.active))
		if err != nil {
			return err
		}
		d.ctx = ctx
		d.state = deviceActive
	} else if err := s.drv.CtxSetCurrent(d.ctx); err != nil {
		return err
	}
	if d.missing(len(s.registry)) {
		return s.reloadKernels(d)
	}
	return nil
}

// context prepares the active device for a context-bound request.
func (s *Session) context() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	return s.ensureActive()
}

// reloadKernels loads every registry entry missing from d. d's context must
// be current.
func (s *Session) reloadKernels(d *device) error {
	for i := range s.registry {
		if d.funcs[i].loaded {
			continue
		}
		if err := s.loadKernel(d, i); err != nil {
			return err
		}
	}
	return nil
}

// loadKernel loads registry entry i into d's current context.
func (s *Session) loadKernel(d *device, i int) error {
	e := &s.registry[i]
	mod, err := s.drv.ModuleLoadData(e.image)
	if err != nil {
		return err
	}
	fn, err := s.drv.ModuleGetFunction(mod, e.name)
	if err != nil {
		return err
	}
	d.funcs[i] = loadedFunction{loaded: true, id: e.id, module: mod, function: fn}
	log.Debugf("vcuda: loaded kernel %q (id %d) into slot %d", e.name, e.id, i)
	return nil
}

// register appends a kernel to the registry and loads it into the active
// device only. Other devices load it lazily when they become active.
func (s *Session) register(id uint32, image []byte, name string) error {
	if err := s.context(); err != nil {
		return err
	}
	if len(s.registry) >= s.opts.FunctionCapacity {
		return fmt.Errorf("%w: kernel registry holds %d entries", ErrCapacityExceeded, s.opts.FunctionCapacity)
	}
	s.registry = append(s.registry, kernelEntry{id: id, image: image, name: name})
	i := len(s.registry) - 1
	if err := s.loadKernel(s.devices[s.active], i); err != nil {
		s.registry = s.registry[:i]
		return err
	}
	return nil
}

// function returns the first kernel loaded on the active device whose id is
// id.
func (s *Session) function(id uint32) (driver.Function, error) {
	d := s.devices[s.active]
	for i := range d.funcs {
		if f := &d.funcs[i]; f.loaded && f.id == id {
			return f.function, nil
		}
	}
	return 0, fmt.Errorf("%w: function %d not loaded on device %d", ErrInvalidHandle, id, s.active)
}

// setDevice switches the active device. An invalid index leaves the active
// device unchanged.
func (s *Session) setDevice(idx uint64) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if idx >= uint64(len(s.devices)) {
		return fmt.Errorf("%w: %d, have %d", ErrInvalidDeviceIndex, idx, len(s.devices))
	}
	prev := s.active
	s.active = int(idx)
	if err := s.ensureActive(); err != nil {
		s.active = prev
		return err
	}
	return nil
}

// resetDevice destroys the active device's context and forgets its loaded
// kernels, streams and events. The active index is unchanged; the next request bound to the
// device recreates the context.
func (s *Session) resetDevice() error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if s.devices[s.active].state != deviceActive {
		return nil
	}
	return s.destroyContext(s.active)
}

// stream resolves a guest stream index. StreamSentinel names the null stream.
func (s *Session) stream(idx uint64) (driver.Stream, error) {
	if idx == abi.StreamSentinel {
		return driver.NullStream, nil
	}
	st, err := s.streams.get(idx)
	return st.h, err
}

// Close tears the session down and releases backing files. It is safe to call
// on a session that was never initialized.
func (s *Session) Close() error {
	var errs []error
	if s.initialized {
		if err := s.teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	s.releaseHostRegions()
	for token := range s.backing {
		if err := s.releaseBacking(token); err != nil {
			errs = append(errs, err)
		}
	}
	s.side = nil
	return errors.Join(errs...)
}
