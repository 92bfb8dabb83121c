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
	"bytes"
	"errors"
	"fmt"
	"math"

	abi "gvisor.dev/vcuda/pkg/abi/vcuda"
	"gvisor.dev/vcuda/pkg/driver"
	"gvisor.dev/vcuda/pkg/log"
)

// maxParamBuffer bounds a kernel parameter buffer sent without an explicit
// length.
const maxParamBuffer = 64 << 10

// handler executes one request. Outputs are written to r; the returned error
// becomes the request status.
type handler func(s *Session, r *abi.Record) error

// statusError returns a status to the guest verbatim.
type statusError abi.Status

// Error implements error.Error.
func (e statusError) Error() string {
	return abi.Status(e).String()
}

var handlers = [abi.CmdMax]handler{
	abi.CmdOpen:        cmdOpen,
	abi.CmdClose:       cmdClose,
	abi.CmdWrite:       cmdWrite,
	abi.CmdRead:        cmdRead,
	abi.CmdMmap:        cmdMmap,
	abi.CmdMunmap:      cmdMunmap,
	abi.CmdMmapCtl:     cmdMmapCtl,
	abi.CmdMmapRelease: cmdMmapRelease,

	abi.CmdRegisterFatBinary:   cmdRegisterFatBinary,
	abi.CmdUnregisterFatBinary: cmdUnregisterFatBinary,
	abi.CmdRegisterFunction:    cmdRegisterFunction,
	abi.CmdLaunch:              cmdLaunch,

	abi.CmdMalloc:      cmdMalloc,
	abi.CmdMemset:      cmdMemset,
	abi.CmdMemcpy:      cmdMemcpy,
	abi.CmdMemcpyAsync: cmdMemcpyAsync,
	abi.CmdFree:        cmdFree,

	abi.CmdGetDevice:           cmdGetDevice,
	abi.CmdGetDeviceCount:      cmdGetDeviceCount,
	abi.CmdSetDevice:           cmdSetDevice,
	abi.CmdGetDeviceProperties: cmdGetDeviceProperties,
	abi.CmdDeviceSynchronize:   cmdDeviceSynchronize,
	abi.CmdDeviceReset:         cmdDeviceReset,
	abi.CmdSetDeviceFlags:      cmdSetDeviceFlags,

	abi.CmdDriverGetVersion:  cmdDriverGetVersion,
	abi.CmdRuntimeGetVersion: cmdRuntimeGetVersion,

	abi.CmdStreamCreate:         cmdStreamCreate,
	abi.CmdStreamDestroy:        cmdStreamDestroy,
	abi.CmdEventCreate:          cmdEventCreate,
	abi.CmdEventCreateWithFlags: cmdEventCreateWithFlags,
	abi.CmdEventRecord:          cmdEventRecord,
	abi.CmdEventSynchronize:     cmdEventSynchronize,
	abi.CmdEventElapsedTime:     cmdEventElapsedTime,
	abi.CmdEventDestroy:         cmdEventDestroy,

	abi.CmdGetLastError:         cmdGetLastError,
	abi.CmdHostRegister:         cmdHostRegister,
	abi.CmdHostGetDevicePointer: cmdHostGetDevicePointer,
	abi.CmdHostUnregister:       cmdHostUnregister,
}

// Handle executes r and stores the completion status in r.Cmd.
func (s *Session) Handle(r *abi.Record) {
	cmd := r.Cmd
	var h handler
	if cmd >= 0 && cmd < abi.CmdMax {
		h = handlers[cmd]
	}
	if h == nil {
		s.warn.Warningf("vcuda: unknown command %d == %#x", int32(cmd), uint32(cmd))
		requestsMetric.Increment("unknown", "failure")
		r.SetStatus(abi.StatusInvalidValue)
		return
	}
	err := h(s, r)
	status := StatusOf(err)
	if err != nil {
		var se statusError
		if !errors.As(err, &se) {
			s.warn.Warningf("vcuda: %v failed: %v (status %v)", cmd, err, status)
		}
		if cmd != abi.CmdGetLastError && cmd >= abi.CmdRegisterFatBinary {
			s.lastErr = status
		}
		requestsMetric.Increment(cmd.String(), "failure")
	} else {
		requestsMetric.Increment(cmd.String(), "success")
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("vcuda: %v -> %v", r, status)
	}
	r.SetStatus(status)
}

func fdToken(v uint64) int32 {
	return int32(uint32(v))
}

func cmdOpen(s *Session, r *abi.Record) error {
	if err := checkBlockSize(uint64(r.PASize)); err != nil {
		return err
	}
	s.blockSize = uint64(r.PASize)
	log.Infof("vcuda: guest block size %d", s.blockSize)
	return nil
}

func cmdClose(*Session, *abi.Record) error {
	return nil
}

func cmdWrite(s *Session, r *abi.Record) error {
	return s.sideWrite(r.PA, uint64(r.PASize), uint64(r.PBSize), r.Para != 0)
}

func cmdRead(s *Session, r *abi.Record) error {
	return s.sideRead(r.PA, uint64(r.PASize), uint64(r.PBSize), r.Para != 0)
}

func cmdMmap(s *Session, r *abi.Record) error {
	return s.mmap(fdToken(r.PA), r.PASize, r.PB)
}

func cmdMunmap(s *Session, r *abi.Record) error {
	return s.munmap(r.PB, r.PBSize)
}

func cmdMmapCtl(s *Session, r *abi.Record) error {
	token, err := s.mmapCtl(r.PB, uint64(r.PBSize))
	if err != nil {
		return err
	}
	r.PA = uint64(uint32(token))
	return nil
}

func cmdMmapRelease(s *Session, r *abi.Record) error {
	return s.mmapRelease(r.PA, fdToken(uint64(r.PBSize)))
}

func cmdRegisterFatBinary(s *Session, _ *abi.Record) error {
	return s.init()
}

func cmdUnregisterFatBinary(s *Session, _ *abi.Record) error {
	return s.teardown()
}

func cmdRegisterFunction(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	var (
		image []byte
		err   error
	)
	if r.PASize == 0 {
		image, err = s.mem.TranslateAvailable(r.PA, maxFatBinary)
	} else {
		image, err = s.mem.Translate(r.PA, uint64(r.PASize))
	}
	if err != nil {
		return fmt.Errorf("fat binary: %w", err)
	}
	nameMax := uint64(r.PBSize)
	if nameMax == 0 {
		nameMax = maxEntryName
	}
	nameBuf, err := s.mem.TranslateAvailable(r.PB, nameMax)
	if err != nil {
		return fmt.Errorf("entry name: %w", err)
	}
	n := bytes.IndexByte(nameBuf, 0)
	if n < 0 {
		return fmt.Errorf("%w: entry name not terminated within %d bytes", ErrMalformedArgumentBuffer, len(nameBuf))
	}
	return s.register(r.Flag, bytes.Clone(image), string(nameBuf[:n]))
}

func dim(name string, v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %d", ErrInvalidValue, name, v)
	}
	return uint32(v), nil
}

func cmdLaunch(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	f, err := s.function(r.Flag)
	if err != nil {
		return err
	}
	cfgBuf, err := s.mem.Translate(r.PA, abi.SizeofLaunchConfig)
	if err != nil {
		return fmt.Errorf("launch config: %w", err)
	}
	lc, err := abi.DecodeLaunchConfig(cfgBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArgumentBuffer, err)
	}
	var cfg driver.LaunchConfig
	for i, v := range []uint64{lc.GridX, lc.GridY, lc.GridZ} {
		if cfg.Grid[i], err = dim("grid dimension", v); err != nil {
			return err
		}
	}
	for i, v := range []uint64{lc.BlockX, lc.BlockY, lc.BlockZ} {
		if cfg.Block[i], err = dim("block dimension", v); err != nil {
			return err
		}
	}
	if cfg.SharedMem, err = dim("shared memory size", lc.SharedMem); err != nil {
		return err
	}
	stream, err := s.stream(lc.Stream)
	if err != nil {
		return err
	}
	// A stated length must be filled exactly by the parameters.
	var pbuf []byte
	decode := abi.DecodeParamsExact
	if r.PBSize == 0 {
		pbuf, err = s.mem.TranslateAvailable(r.PB, maxParamBuffer)
		decode = abi.DecodeParams
	} else {
		pbuf, err = s.mem.Translate(r.PB, uint64(r.PBSize))
	}
	if err != nil {
		return fmt.Errorf("parameter buffer: %w", err)
	}
	params, err := decode(pbuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArgumentBuffer, err)
	}
	return s.drv.LaunchKernel(f, cfg, stream, params)
}

func cmdMalloc(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	p, err := s.drv.MemAlloc(uint64(r.Flag))
	if err != nil {
		return err
	}
	r.PA = uint64(p)
	return nil
}

func cmdMemset(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	return s.drv.MemsetD8(driver.DevicePtr(r.PA), byte(r.Para), uint64(r.PASize))
}

func cmdMemcpy(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	contiguous := r.Para != 0
	switch kind := abi.MemcpyKind(r.Flag); kind {
	case abi.MemcpyHostToDevice:
		size := uint64(r.PBSize)
		bufs, err := guestBuffers(s.mem, r.PB, size, uint64(r.PASize), s.blockSize, contiguous)
		if err != nil {
			return err
		}
		dst := driver.DevicePtr(r.PA)
		for _, b := range bufs {
			if err := s.drv.MemcpyHtoD(dst, b); err != nil {
				return err
			}
			dst += driver.DevicePtr(len(b))
		}
		copyBytesMetric.AddSample(int64(size), kind.String())
		return nil
	case abi.MemcpyDeviceToHost:
		size := uint64(r.PASize)
		bufs, err := guestBuffers(s.mem, r.PA, size, uint64(r.PBSize), s.blockSize, contiguous)
		if err != nil {
			return err
		}
		src := driver.DevicePtr(r.PB)
		for _, b := range bufs {
			if err := s.drv.MemcpyDtoH(b, src); err != nil {
				return err
			}
			src += driver.DevicePtr(len(b))
		}
		copyBytesMetric.AddSample(int64(size), kind.String())
		return nil
	case abi.MemcpyDeviceToDevice:
		copyBytesMetric.AddSample(int64(r.PBSize), kind.String())
		return s.drv.MemcpyDtoD(driver.DevicePtr(r.PA), driver.DevicePtr(r.PB), uint64(r.PBSize))
	default:
		return fmt.Errorf("%w: copy direction %v", ErrInvalidValue, kind)
	}
}

func cmdMemcpyAsync(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	stream, err := s.stream(r.Rnd)
	if err != nil {
		return err
	}
	switch kind := abi.MemcpyKind(r.Flag); kind {
	case abi.MemcpyHostToDevice:
		return s.copyAsync(fdToken(uint64(r.PASize)), r.PB, uint64(r.PBSize), r.Para, func(m []byte) error {
			return s.drv.MemcpyHtoDAsync(driver.DevicePtr(r.PA), m, stream)
		})
	case abi.MemcpyDeviceToHost:
		return s.copyAsync(fdToken(uint64(r.PBSize)), r.PA, uint64(r.PASize), r.Para, func(m []byte) error {
			return s.drv.MemcpyDtoHAsync(m, driver.DevicePtr(r.PB), stream)
		})
	case abi.MemcpyDeviceToDevice:
		return s.drv.MemcpyDtoDAsync(driver.DevicePtr(r.PB), driver.DevicePtr(r.PA), uint64(r.PBSize), stream)
	default:
		return fmt.Errorf("%w: copy direction %v", ErrInvalidValue, kind)
	}
}

// copyAsync maps length bytes of a backing file at offset and passes the
// first size bytes to start. The mapping is retained until the backing file
// is released.
func (s *Session) copyAsync(token int32, offset, size, length uint64, start func([]byte) error) error {
	b, err := s.backingFile(token)
	if err != nil {
		return err
	}
	if size > length {
		return fmt.Errorf("%w: copying %d bytes through a %d byte mapping", ErrInvalidValue, size, length)
	}
	m, err := s.mapBacking(b, offset, length)
	if err != nil {
		return err
	}
	b.async = append(b.async, m)
	return start(m[:size])
}

func cmdFree(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	return s.drv.MemFree(driver.DevicePtr(r.PA))
}

func cmdGetDevice(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	r.PA = uint64(s.active)
	return nil
}

func cmdGetDeviceCount(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	r.PA = uint64(len(s.devices))
	return nil
}

func cmdSetDevice(s *Session, r *abi.Record) error {
	return s.setDevice(r.PA)
}

func cmdGetDeviceProperties(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if r.PB >= uint64(len(s.devices)) {
		return fmt.Errorf("%w: %d, have %d", ErrInvalidDeviceIndex, r.PB, len(s.devices))
	}
	prop, err := s.drv.DeviceProperties(driver.Device(r.PB))
	if err != nil {
		return err
	}
	buf, err := s.mem.Translate(r.PA, uint64(prop.SizeBytes()))
	if err != nil {
		return fmt.Errorf("device properties: %w", err)
	}
	prop.MarshalBytes(buf)
	return nil
}

func cmdDeviceSynchronize(s *Session, _ *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	return s.drv.CtxSynchronize()
}

func cmdDeviceReset(s *Session, _ *abi.Record) error {
	return s.resetDevice()
}

func cmdSetDeviceFlags(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	log.Debugf("vcuda: ignoring device flags %#x", r.Flag)
	return nil
}

func cmdDriverGetVersion(s *Session, r *abi.Record) error {
	v, _, err := s.drv.Versions()
	if err != nil {
		return err
	}
	r.PA = uint64(v)
	return nil
}

func cmdRuntimeGetVersion(s *Session, r *abi.Record) error {
	_, v, err := s.drv.Versions()
	if err != nil {
		return err
	}
	r.PA = uint64(v)
	return nil
}

func cmdStreamCreate(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	st, err := s.drv.StreamCreate()
	if err != nil {
		return err
	}
	idx, err := s.streams.insert(owned[driver.Stream]{dev: s.active, h: st})
	if err != nil {
		if derr := s.drv.StreamDestroy(st); derr != nil {
			log.Warningf("vcuda: destroying unrecorded stream: %v", derr)
		}
		return err
	}
	r.PA = idx
	return nil
}

func cmdStreamDestroy(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	st, err := s.streams.get(r.PA)
	if err != nil {
		return err
	}
	if err := s.drv.StreamDestroy(st.h); err != nil {
		return err
	}
	_, err = s.streams.remove(r.PA)
	return err
}

func (s *Session) createEvent(r *abi.Record, flags uint32) error {
	if err := s.context(); err != nil {
		return err
	}
	e, err := s.drv.EventCreate(flags)
	if err != nil {
		return err
	}
	idx, err := s.events.insert(owned[driver.Event]{dev: s.active, h: e})
	if err != nil {
		if derr := s.drv.EventDestroy(e); derr != nil {
			log.Warningf("vcuda: destroying unrecorded event: %v", derr)
		}
		return err
	}
	r.PA = idx
	return nil
}

func cmdEventCreate(s *Session, r *abi.Record) error {
	return s.createEvent(r, 0)
}

func cmdEventCreateWithFlags(s *Session, r *abi.Record) error {
	return s.createEvent(r, r.Flag)
}

func cmdEventRecord(s *Session, r *abi.Record) error {
	if err := s.context(); err != nil {
		return err
	}
	e, err := s.events.get(r.PA)
	if err != nil {
		return err
	}
	st, err := s.stream(r.PB)
	if err != nil {
		return err
	}
	return s.drv.EventRecord(e.h, st)
}

func cmdEventSynchronize(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	e, err := s.events.get(r.PA)
	if err != nil {
		return err
	}
	return s.drv.EventSynchronize(e.h)
}

func cmdEventElapsedTime(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	start, err := s.events.get(r.PA)
	if err != nil {
		return err
	}
	end, err := s.events.get(r.PB)
	if err != nil {
		return err
	}
	ms, err := s.drv.EventElapsedTime(start.h, end.h)
	if err != nil {
		return err
	}
	r.SetFloat(ms)
	return nil
}

func cmdEventDestroy(s *Session, r *abi.Record) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	e, err := s.events.get(r.PA)
	if err != nil {
		return err
	}
	if err := s.drv.EventDestroy(e.h); err != nil {
		return err
	}
	_, err = s.events.remove(r.PA)
	return err
}

func cmdGetLastError(s *Session, _ *abi.Record) error {
	last := s.lastErr
	s.lastErr = abi.StatusSuccess
	if last == abi.StatusSuccess {
		return nil
	}
	return statusError(last)
}

func cmdHostRegister(s *Session, r *abi.Record) error {
	ptr, err := s.hostRegister(fdToken(uint64(r.PBSize)), r.PA, uint64(r.PASize), r.PB, r.Flag)
	if err != nil {
		return err
	}
	r.PA = ptr
	return nil
}

func cmdHostGetDevicePointer(s *Session, r *abi.Record) error {
	p, err := s.hostDevicePointer(r.PB, r.Flag)
	if err != nil {
		return err
	}
	r.PA = uint64(p)
	return nil
}

func cmdHostUnregister(s *Session, r *abi.Record) error {
	return s.hostUnregister(r.PB)
}
