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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/vcuda/pkg/cleanup"
	"gvisor.dev/vcuda/pkg/guestmem"
	"gvisor.dev/vcuda/pkg/log"
)

// backingFile is a host file whose blocks can be mapped over guest RAM.
type backingFile struct {
	tag  uint64
	path string
	file *os.File
	lock *flock.Flock

	// async holds mappings of the file created for asynchronous copies.
	// They stay mapped until the file is released because the copy may
	// still be in flight when the request completes.
	async [][]byte
}

// fd returns the host descriptor of the file.
func (b *backingFile) fd() int {
	return int(b.file.Fd())
}

// BackingFileName returns the base name of the backing file a process with
// the given pid creates for tag.
func BackingFileName(pid int, tag uint64) string {
	return fmt.Sprintf("vm%d_%x", pid, tag)
}

var backingFileRE = regexp.MustCompile(`^vm[0-9]+_[0-9a-f]+$`)

// IsBackingFileName reports whether name was produced by BackingFileName.
func IsBackingFileName(name string) bool {
	return backingFileRE.MatchString(name)
}

// truncateFile is replaced in tests.
var truncateFile = (*os.File).Truncate

// openBacking opens path, creating it if it does not exist, and reports
// whether this call created it.
func openBacking(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR, 0)
	return f, false, err
}

// mmapCtl creates, locks and sizes the backing file for tag and returns its
// fd token. A file created here is removed again if it cannot be sized.
func (s *Session) mmapCtl(tag, size uint64) (int32, error) {
	path := filepath.Join(s.opts.BackingDir, BackingFileName(s.opts.PID, tag))
	f, created, err := openBacking(path)
	if err != nil {
		return 0, fmt.Errorf("opening backing file: %w", err)
	}
	cu := cleanup.Make(func() { _ = f.Close() })
	defer cu.Clean()

	lock := flock.NewFlock(path)
	locked, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("locking backing file %q: %w", path, err)
	}
	if !locked {
		return 0, fmt.Errorf("%w: backing file %q is in use", ErrInvalidValue, path)
	}
	cu.Add(func() { _ = lock.Unlock() })
	if created {
		cu.Add(func() {
			if err := os.Remove(path); err != nil {
				log.Warningf("vcuda: removing backing file %q: %v", path, err)
			}
		})
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if uint64(fi.Size()) < size {
		if err := truncateFile(f, int64(size)); err != nil {
			return 0, fmt.Errorf("sizing backing file %q: %w", path, err)
		}
	}
	token := int32(f.Fd())
	s.backing[token] = &backingFile{tag: tag, path: path, file: f, lock: lock}
	cu.Release()
	log.Infof("vcuda: backing file %s (%s) opened as %d", path, humanize.IBytes(size), token)
	return token, nil
}

// backingFile looks up an fd token.
func (s *Session) backingFile(token int32) (*backingFile, error) {
	b, ok := s.backing[token]
	if !ok {
		return nil, fmt.Errorf("%w: fd token %d", ErrInvalidHandle, token)
	}
	return b, nil
}

// blockTargets translates n guest blocks named by the page list at listGPA.
func (s *Session) blockTargets(listGPA uint64, n uint32) ([][]byte, error) {
	bs := s.blockSize
	if bs%uint64(guestmem.PageSize) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a multiple of the page size", ErrInvalidValue, bs)
	}
	list, err := guestmem.ReadUint64s(s.mem, listGPA, int(n))
	if err != nil {
		return nil, fmt.Errorf("reading page list: %w", err)
	}
	targets := make([][]byte, n)
	for i, gpa := range list {
		if targets[i], err = s.mem.Translate(gpa, bs); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return targets, nil
}

// mmap maps block i of the backing file over the guest block named by entry
// i of the page list, for n blocks.
func (s *Session) mmap(token int32, n uint32, listGPA uint64) error {
	b, err := s.backingFile(token)
	if err != nil {
		return err
	}
	targets, err := s.blockTargets(listGPA, n)
	if err != nil {
		return err
	}
	fi, err := b.file.Stat()
	if err != nil {
		return err
	}
	if need := uint64(n) * s.blockSize; uint64(fi.Size()) < need {
		return fmt.Errorf("%w: backing file holds %d bytes, window needs %d", ErrInvalidValue, fi.Size(), need)
	}
	for i, t := range targets {
		if err := mapFileFixed(b.fd(), int64(i)*int64(s.blockSize), t); err != nil {
			return fmt.Errorf("mapping block %d: %w", i, err)
		}
	}
	log.Debugf("vcuda: mapped %d block(s) of %s", n, b.path)
	return nil
}

// munmap replaces n guest blocks with fresh anonymous memory.
func (s *Session) munmap(listGPA uint64, n uint32) error {
	targets, err := s.blockTargets(listGPA, n)
	if err != nil {
		return err
	}
	for i, t := range targets {
		if err := mapAnonymousFixed(t); err != nil {
			return fmt.Errorf("unmapping block %d: %w", i, err)
		}
	}
	return nil
}

// mmapRelease closes, unlocks and removes the backing file for tag.
func (s *Session) mmapRelease(tag uint64, token int32) error {
	b, err := s.backingFile(token)
	if err != nil {
		return err
	}
	if b.tag != tag {
		return fmt.Errorf("%w: fd token %d belongs to tag %#x, not %#x", ErrInvalidHandle, token, b.tag, tag)
	}
	return s.releaseBacking(token)
}

// mapBacking maps length bytes of a backing file at offset for an
// asynchronous copy or a host registration.
func (s *Session) mapBacking(b *backingFile, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: empty mapping", ErrInvalidValue)
	}
	m, err := unix.Mmap(b.fd(), int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping %s of %s at %#x: %v", ErrInvalidValue, humanize.IBytes(length), b.path, offset, err)
	}
	return m, nil
}

// releaseBacking releases one backing file and every mapping of it.
func (s *Session) releaseBacking(token int32) error {
	b := s.backing[token]
	for ptr, r := range s.hostRegs {
		if r.token == token {
			s.unregisterHost(ptr, r)
		}
	}
	if len(b.async) > 0 && s.initialized {
		if err := s.context(); err == nil {
			if err := s.drv.CtxSynchronize(); err != nil {
				log.Warningf("vcuda: synchronizing before releasing %s: %v", b.path, err)
			}
		}
	}
	b.unmapAsync()
	delete(s.backing, token)
	errs := []error{b.file.Close(), b.lock.Unlock()}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *backingFile) unmapAsync() {
	for _, m := range b.async {
		if err := unix.Munmap(m); err != nil {
			log.Warningf("vcuda: unmapping %s: %v", b.path, err)
		}
	}
	b.async = nil
}

// releaseAsyncMappings unmaps every asynchronous-copy mapping.
func (s *Session) releaseAsyncMappings() {
	for _, b := range s.backing {
		b.unmapAsync()
	}
}
