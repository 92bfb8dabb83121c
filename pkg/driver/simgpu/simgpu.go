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


// Package simgpu implements driver.Driver with a simulated multi-device GPU.
//
// Device memory is host memory, kernels are Go functions registered by name,
// and every operation completes before it returns, including the
// stream-ordered ones. Module images are "fat binaries" produced by
// FatBinary: a magic header followed by the names of the kernels they
// contain.
package simgpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
)

// Options configures a GPU.
type Options struct {
	// NumDevices is the number of simulated devices.
	NumDevices int

	// MemoryPerDevice is the size of each device's global memory.
	MemoryPerDevice uint64

	// Kernels maps entry point names to implementations. Nil selects
	// DefaultKernels.
	Kernels map[string]Kernel

	// Now returns the current time. Nil selects time.Now.
	Now func() time.Time
}

// Version is reported as both the driver and runtime version.
const Version = 12040

// eventDisableTiming is CU_EVENT_DISABLE_TIMING.
const eventDisableTiming = 0x2

// allocAlign is the alignment of device allocations.
const allocAlign = 256

// deviceSpan is the size of the device address range reserved per device.
const deviceSpan = 1 << 40

type allocation struct {
	addr driver.DevicePtr
	data []byte
	ctx  *context

	// host is set for mappings of registered host memory.
	host bool
}

func (a *allocation) end() driver.DevicePtr {
	return a.addr + driver.DevicePtr(len(a.data))
}

type device struct {
	ordinal int
	memory  uint64
	used    uint64
	next    driver.DevicePtr
	allocs  *btree.BTreeG[*allocation]
}

type context struct {
	handle driver.Context
	dev    *device
}

type module struct {
	ctx     *context
	kernels []string
}

type function struct {
	ctx    *context
	name   string
	kernel Kernel
}

type event struct {
	ctx      *context
	flags    uint32
	recorded bool
	at       time.Time
}

type hostRegistration struct {
	mem   []byte
	flags uint32
	// mapped is the device mapping per device ordinal.
	mapped map[int]driver.DevicePtr
}

// GPU is a simulated GPU driver.
//
// GPU tracks a single current context for the whole process rather than one
// per OS thread.
type GPU struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	devices     []*device
	current     *context
	nextHandle  uintptr
	contexts    map[driver.Context]*context
	modules     map[driver.Module]*module
	functions   map[driver.Function]*function
	streams     map[driver.Stream]*context
	events      map[driver.Event]*event
	registered  map[*byte]*hostRegistration
}

var _ driver.Driver = (*GPU)(nil)

// New returns a GPU. Init must be called before use.
func New(opts Options) *GPU {
	if opts.Kernels == nil {
		opts.Kernels = DefaultKernels()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &GPU{
		opts:       opts,
		contexts:   make(map[driver.Context]*context),
		modules:    make(map[driver.Module]*module),
		functions:  make(map[driver.Function]*function),
		streams:    make(map[driver.Stream]*context),
		events:     make(map[driver.Event]*event),
		registered: make(map[*byte]*hostRegistration),
	}
	for i := 0; i < opts.NumDevices; i++ {
		g.devices = append(g.devices, &device{
			ordinal: i,
			memory:  opts.MemoryPerDevice,
			next:    driver.DevicePtr(uint64(i+1) * deviceSpan),
			allocs:  btree.NewG(8, func(a, b *allocation) bool { return a.addr < b.addr }),
		})
	}
	return g
}

func (g *GPU) handle() uintptr {
	g.nextHandle++
	return g.nextHandle
}

func (g *GPU) ready(op string) error {
	if !g.initialized {
		return driver.Check(op, driver.ErrorNotInitialized)
	}
	return nil
}

// currentCtx returns the current context, failing if there is none.
func (g *GPU) currentCtx(op string) (*context, error) {
	if err := g.ready(op); err != nil {
		return nil, err
	}
	if g.current == nil {
		return nil, driver.Check(op, driver.ErrorInvalidContext)
	}
	return g.current, nil
}

// span returns the device memory backing [p, p+n) on any device.
func (g *GPU) span(op string, p driver.DevicePtr, n uint64) ([]byte, error) {
	idx := int(uint64(p)/deviceSpan) - 1
	if idx < 0 || idx >= len(g.devices) {
		return nil, driver.Check(op, driver.ErrorInvalidValue)
	}
	return g.devices[idx].span(op, p, n)
}

func (d *device) span(op string, p driver.DevicePtr, n uint64) ([]byte, error) {
	var a *allocation
	d.allocs.DescendLessOrEqual(&allocation{addr: p}, func(it *allocation) bool {
		a = it
		return false
	})
	if a == nil || p >= a.end() || n > uint64(a.end()-p) {
		return nil, driver.Check(op, driver.ErrorInvalidValue)
	}
	off := uint64(p - a.addr)
	return a.data[off : off+n], nil
}

// Init implements driver.Driver.Init.
func (g *GPU) Init() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.devices) == 0 {
		return driver.Check("cuInit", driver.ErrorNoDevice)
	}
	g.initialized = true
	return nil
}

// DeviceCount implements driver.Driver.DeviceCount.
func (g *GPU) DeviceCount() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return len(g.devices), nil
}

// DeviceProperties implements driver.Driver.DeviceProperties.
func (g *GPU) DeviceProperties(dev driver.Device) (vcuda.DeviceProp, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var p vcuda.DeviceProp
	if err := g.ready("cuDeviceGetAttribute"); err != nil {
		return p, err
	}
	if int(dev) < 0 || int(dev) >= len(g.devices) {
		return p, driver.Check("cuDeviceGetAttribute", driver.ErrorInvalidDevice)
	}
	p.SetName(fmt.Sprintf("Simulated GPU %d", dev))
	p.TotalGlobalMem = g.devices[dev].memory
	p.SharedMemPerBlock = 48 << 10
	p.TotalConstMem = 64 << 10
	p.RegsPerBlock = 65536
	p.WarpSize = 32
	p.MaxThreadsPerBlock = 1024
	p.MaxThreadsDim = [3]int32{1024, 1024, 64}
	p.MaxGridSize = [3]int32{1<<31 - 1, 65535, 65535}
	p.ClockRate = 1410000
	p.Major = 8
	p.Minor = 0
	p.MultiProcessorCount = 4
	return p, nil
}

// Versions implements driver.Driver.Versions.
func (g *GPU) Versions() (int, int, error) {
	return Version, Version, nil
}

// CtxCreate implements driver.Driver.CtxCreate.
func (g *GPU) CtxCreate(dev driver.Device) (driver.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuCtxCreate"); err != nil {
		return 0, err
	}
	if int(dev) < 0 || int(dev) >= len(g.devices) {
		return 0, driver.Check("cuCtxCreate", driver.ErrorInvalidDevice)
	}
	c := &context{handle: driver.Context(g.handle()), dev: g.devices[dev]}
	g.contexts[c.handle] = c
	g.current = c
	return c.handle, nil
}

// CtxSetCurrent implements driver.Driver.CtxSetCurrent.
func (g *GPU) CtxSetCurrent(ctx driver.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuCtxSetCurrent"); err != nil {
		return err
	}
	if ctx == 0 {
		g.current = nil
		return nil
	}
	c, ok := g.contexts[ctx]
	if !ok {
		return driver.Check("cuCtxSetCurrent", driver.ErrorInvalidContext)
	}
	g.current = c
	return nil
}

// CtxDestroy implements driver.Driver.CtxDestroy.
func (g *GPU) CtxDestroy(ctx driver.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuCtxDestroy"); err != nil {
		return err
	}
	c, ok := g.contexts[ctx]
	if !ok {
		return driver.Check("cuCtxDestroy", driver.ErrorInvalidContext)
	}
	delete(g.contexts, ctx)
	for h, m := range g.modules {
		if m.ctx == c {
			delete(g.modules, h)
		}
	}
	for h, f := range g.functions {
		if f.ctx == c {
			delete(g.functions, h)
		}
	}
	for h, owner := range g.streams {
		if owner == c {
			delete(g.streams, h)
		}
	}
	for h, e := range g.events {
		if e.ctx == c {
			delete(g.events, h)
		}
	}
	var dead []*allocation
	c.dev.allocs.Ascend(func(a *allocation) bool {
		if a.ctx == c {
			dead = append(dead, a)
		}
		return true
	})
	for _, a := range dead {
		c.dev.allocs.Delete(a)
		if !a.host {
			c.dev.used -= uint64(len(a.data))
			continue
		}
		for _, r := range g.registered {
			if r.mapped[c.dev.ordinal] == a.addr {
				delete(r.mapped, c.dev.ordinal)
			}
		}
	}
	if g.current == c {
		g.current = nil
	}
	return nil
}

// CtxSynchronize implements driver.Driver.CtxSynchronize.
func (g *GPU) CtxSynchronize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.currentCtx("cuCtxSynchronize")
	return err
}

// ModuleLoadData implements driver.Driver.ModuleLoadData.
func (g *GPU) ModuleLoadData(image []byte) (driver.Module, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuModuleLoadData")
	if err != nil {
		return 0, err
	}
	names, ok := parseFatBinary(image)
	if !ok {
		return 0, driver.Check("cuModuleLoadData", driver.ErrorInvalidImage)
	}
	for _, name := range names {
		if _, ok := g.opts.Kernels[name]; !ok {
			return 0, driver.Check("cuModuleLoadData", driver.ErrorInvalidImage)
		}
	}
	h := driver.Module(g.handle())
	g.modules[h] = &module{ctx: c, kernels: names}
	return h, nil
}

// ModuleGetFunction implements driver.Driver.ModuleGetFunction.
func (g *GPU) ModuleGetFunction(mod driver.Module, name string) (driver.Function, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuModuleGetFunction"); err != nil {
		return 0, err
	}
	m, ok := g.modules[mod]
	if !ok {
		return 0, driver.Check("cuModuleGetFunction", driver.ErrorInvalidHandle)
	}
	for _, k := range m.kernels {
		if k == name {
			h := driver.Function(g.handle())
			g.functions[h] = &function{ctx: m.ctx, name: name, kernel: g.opts.Kernels[name]}
			return h, nil
		}
	}
	return 0, driver.Check("cuModuleGetFunction", driver.ErrorNotFound)
}

// checkStream validates that s is usable from the current context.
func (g *GPU) checkStream(op string, c *context, s driver.Stream) error {
	if s == driver.NullStream {
		return nil
	}
	if owner, ok := g.streams[s]; !ok || owner != c {
		return driver.Check(op, driver.ErrorInvalidHandle)
	}
	return nil
}

// LaunchKernel implements driver.Driver.LaunchKernel.
func (g *GPU) LaunchKernel(f driver.Function, cfg driver.LaunchConfig, stream driver.Stream, params [][]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuLaunchKernel")
	if err != nil {
		return err
	}
	fn, ok := g.functions[f]
	if !ok {
		return driver.Check("cuLaunchKernel", driver.ErrorInvalidHandle)
	}
	if fn.ctx != c {
		return driver.Check("cuLaunchKernel", driver.ErrorInvalidContext)
	}
	if err := g.checkStream("cuLaunchKernel", c, stream); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if cfg.Grid[i] == 0 || cfg.Block[i] == 0 {
			return driver.Check("cuLaunchKernel", driver.ErrorInvalidValue)
		}
	}
	l := &Launch{Config: cfg, Params: params, dev: c.dev}
	if err := fn.kernel(l); err != nil {
		return &driver.Error{Op: "cuLaunchKernel(" + fn.name + ")", Code: driver.ErrorLaunchFailed, Name: err.Error()}
	}
	return nil
}

// MemAlloc implements driver.Driver.MemAlloc.
func (g *GPU) MemAlloc(size uint64) (driver.DevicePtr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuMemAlloc")
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, driver.Check("cuMemAlloc", driver.ErrorInvalidValue)
	}
	d := c.dev
	if size > d.memory-d.used {
		return 0, driver.Check("cuMemAlloc", driver.ErrorOutOfMemory)
	}
	a := &allocation{addr: d.next, data: make([]byte, size), ctx: c}
	d.next += driver.DevicePtr((size + allocAlign - 1) &^ (allocAlign - 1))
	d.used += size
	d.allocs.ReplaceOrInsert(a)
	return a.addr, nil
}

// MemFree implements driver.Driver.MemFree.
func (g *GPU) MemFree(p driver.DevicePtr) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuMemFree")
	if err != nil {
		return err
	}
	a, ok := c.dev.allocs.Get(&allocation{addr: p})
	if !ok || a.host || a.ctx != c {
		return driver.Check("cuMemFree", driver.ErrorInvalidValue)
	}
	c.dev.allocs.Delete(a)
	c.dev.used -= uint64(len(a.data))
	return nil
}

// MemsetD8 implements driver.Driver.MemsetD8.
func (g *GPU) MemsetD8(p driver.DevicePtr, value byte, n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.currentCtx("cuMemsetD8"); err != nil {
		return err
	}
	buf, err := g.span("cuMemsetD8", p, n)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = value
	}
	return nil
}

func (g *GPU) memcpyHtoD(op string, dst driver.DevicePtr, src []byte, stream driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx(op)
	if err != nil {
		return err
	}
	if err := g.checkStream(op, c, stream); err != nil {
		return err
	}
	buf, err := g.span(op, dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (g *GPU) memcpyDtoH(op string, dst []byte, src driver.DevicePtr, stream driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx(op)
	if err != nil {
		return err
	}
	if err := g.checkStream(op, c, stream); err != nil {
		return err
	}
	buf, err := g.span(op, src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (g *GPU) memcpyDtoD(op string, dst, src driver.DevicePtr, n uint64, stream driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx(op)
	if err != nil {
		return err
	}
	if err := g.checkStream(op, c, stream); err != nil {
		return err
	}
	from, err := g.span(op, src, n)
	if err != nil {
		return err
	}
	to, err := g.span(op, dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// MemcpyHtoD implements driver.Driver.MemcpyHtoD.
func (g *GPU) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	return g.memcpyHtoD("cuMemcpyHtoD", dst, src, driver.NullStream)
}

// MemcpyDtoH implements driver.Driver.MemcpyDtoH.
func (g *GPU) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	return g.memcpyDtoH("cuMemcpyDtoH", dst, src, driver.NullStream)
}

// MemcpyDtoD implements driver.Driver.MemcpyDtoD.
func (g *GPU) MemcpyDtoD(dst, src driver.DevicePtr, n uint64) error {
	return g.memcpyDtoD("cuMemcpyDtoD", dst, src, n, driver.NullStream)
}

// MemcpyHtoDAsync implements driver.Driver.MemcpyHtoDAsync.
func (g *GPU) MemcpyHtoDAsync(dst driver.DevicePtr, src []byte, stream driver.Stream) error {
	return g.memcpyHtoD("cuMemcpyHtoDAsync", dst, src, stream)
}

// MemcpyDtoHAsync implements driver.Driver.MemcpyDtoHAsync.
func (g *GPU) MemcpyDtoHAsync(dst []byte, src driver.DevicePtr, stream driver.Stream) error {
	return g.memcpyDtoH("cuMemcpyDtoHAsync", dst, src, stream)
}

// MemcpyDtoDAsync implements driver.Driver.MemcpyDtoDAsync.
func (g *GPU) MemcpyDtoDAsync(dst, src driver.DevicePtr, n uint64, stream driver.Stream) error {
	return g.memcpyDtoD("cuMemcpyDtoDAsync", dst, src, n, stream)
}

// StreamCreate implements driver.Driver.StreamCreate.
func (g *GPU) StreamCreate() (driver.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuStreamCreate")
	if err != nil {
		return 0, err
	}
	s := driver.Stream(g.handle())
	g.streams[s] = c
	return s, nil
}

// StreamDestroy implements driver.Driver.StreamDestroy.
func (g *GPU) StreamDestroy(s driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuStreamDestroy"); err != nil {
		return err
	}
	if _, ok := g.streams[s]; !ok {
		return driver.Check("cuStreamDestroy", driver.ErrorInvalidHandle)
	}
	delete(g.streams, s)
	return nil
}

// EventCreate implements driver.Driver.EventCreate.
func (g *GPU) EventCreate(flags uint32) (driver.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuEventCreate")
	if err != nil {
		return 0, err
	}
	e := driver.Event(g.handle())
	g.events[e] = &event{ctx: c, flags: flags}
	return e, nil
}

// EventRecord implements driver.Driver.EventRecord.
func (g *GPU) EventRecord(e driver.Event, stream driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuEventRecord"); err != nil {
		return err
	}
	ev, ok := g.events[e]
	if !ok {
		return driver.Check("cuEventRecord", driver.ErrorInvalidHandle)
	}
	if err := g.checkStream("cuEventRecord", ev.ctx, stream); err != nil {
		return err
	}
	ev.recorded = true
	ev.at = g.opts.Now()
	return nil
}

// EventSynchronize implements driver.Driver.EventSynchronize.
func (g *GPU) EventSynchronize(e driver.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuEventSynchronize"); err != nil {
		return err
	}
	if _, ok := g.events[e]; !ok {
		return driver.Check("cuEventSynchronize", driver.ErrorInvalidHandle)
	}
	return nil
}

// EventElapsedTime implements driver.Driver.EventElapsedTime.
func (g *GPU) EventElapsedTime(start, end driver.Event) (float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuEventElapsedTime"); err != nil {
		return 0, err
	}
	s, ok1 := g.events[start]
	e, ok2 := g.events[end]
	if !ok1 || !ok2 || !s.recorded || !e.recorded {
		return 0, driver.Check("cuEventElapsedTime", driver.ErrorInvalidHandle)
	}
	if s.flags&eventDisableTiming != 0 || e.flags&eventDisableTiming != 0 {
		return 0, driver.Check("cuEventElapsedTime", driver.ErrorInvalidHandle)
	}
	return float32(e.at.Sub(s.at).Seconds() * 1000), nil
}

// EventDestroy implements driver.Driver.EventDestroy.
func (g *GPU) EventDestroy(e driver.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuEventDestroy"); err != nil {
		return err
	}
	if _, ok := g.events[e]; !ok {
		return driver.Check("cuEventDestroy", driver.ErrorInvalidHandle)
	}
	delete(g.events, e)
	return nil
}

// HostRegister implements driver.Driver.HostRegister.
func (g *GPU) HostRegister(mem []byte, flags uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.currentCtx("cuMemHostRegister"); err != nil {
		return err
	}
	if len(mem) == 0 {
		return driver.Check("cuMemHostRegister", driver.ErrorInvalidValue)
	}
	if _, ok := g.registered[&mem[0]]; ok {
		return driver.Check("cuMemHostRegister", driver.ErrorHostMemoryAlreadyRegistered)
	}
	g.registered[&mem[0]] = &hostRegistration{mem: mem, flags: flags, mapped: make(map[int]driver.DevicePtr)}
	return nil
}

// HostGetDevicePointer implements driver.Driver.HostGetDevicePointer. The
// returned device address aliases the registered host memory.
func (g *GPU) HostGetDevicePointer(mem []byte, flags uint32) (driver.DevicePtr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.currentCtx("cuMemHostGetDevicePointer")
	if err != nil {
		return 0, err
	}
	if len(mem) == 0 || flags != 0 {
		return 0, driver.Check("cuMemHostGetDevicePointer", driver.ErrorInvalidValue)
	}
	r, ok := g.registered[&mem[0]]
	if !ok {
		return 0, driver.Check("cuMemHostGetDevicePointer", driver.ErrorInvalidValue)
	}
	d := c.dev
	if p, ok := r.mapped[d.ordinal]; ok {
		return p, nil
	}
	a := &allocation{addr: d.next, data: r.mem, ctx: c, host: true}
	d.next += driver.DevicePtr((uint64(len(r.mem)) + allocAlign - 1) &^ (allocAlign - 1))
	d.allocs.ReplaceOrInsert(a)
	r.mapped[d.ordinal] = a.addr
	return a.addr, nil
}

// HostUnregister implements driver.Driver.HostUnregister.
func (g *GPU) HostUnregister(mem []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ready("cuMemHostUnregister"); err != nil {
		return err
	}
	if len(mem) == 0 {
		return driver.Check("cuMemHostUnregister", driver.ErrorInvalidValue)
	}
	r, ok := g.registered[&mem[0]]
	if !ok {
		return driver.Check("cuMemHostUnregister", driver.ErrorHostMemoryNotRegistered)
	}
	for ordinal, p := range r.mapped {
		d := g.devices[ordinal]
		if a, ok := d.allocs.Get(&allocation{addr: p}); ok {
			d.allocs.Delete(a)
		}
	}
	delete(g.registered, &mem[0])
	return nil
}

// Close implements driver.Driver.Close.
func (g *GPU) Close() error {
	return nil
}

// ModulesLoaded returns the number of modules loaded in live contexts on dev.
func (g *GPU) ModulesLoaded(dev driver.Device) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.modules {
		if m.ctx.dev.ordinal == int(dev) {
			n++
		}
	}
	return n
}

// Contexts returns the number of live contexts.
func (g *GPU) Contexts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.contexts)
}

// MemoryUsed returns the number of bytes allocated on dev.
func (g *GPU) MemoryUsed(dev driver.Device) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.devices[dev].used
}

// fatBinaryMagic starts every simulated module image. It is followed by a
// little-endian uint32 payload length and a newline-separated list of kernel
// names. Bytes after the payload are ignored.
var fatBinaryMagic = []byte("SIMGPU\x00")

// FatBinary returns a module image containing the named kernels.
func FatBinary(kernels ...string) []byte {
	payload := strings.Join(kernels, "\n")
	image := append([]byte(nil), fatBinaryMagic...)
	image = binary.LittleEndian.AppendUint32(image, uint32(len(payload)))
	return append(image, payload...)
}

func parseFatBinary(image []byte) ([]string, bool) {
	rest, ok := bytes.CutPrefix(image, fatBinaryMagic)
	if !ok || len(rest) < 4 {
		return nil, false
	}
	n := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(n) > uint64(len(rest)) {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	return strings.Split(string(rest[:n]), "\n"), true
}
