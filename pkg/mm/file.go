// Copyright 2026 The kmem Authors.
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

package mm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
	"kmem.dev/kmem/pkg/errors/linuxerr"
	"kmem.dev/kmem/pkg/log"
)

// File is the backing store of a file mapping.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Locker is implemented by Files whose write-back must exclude other
// writers.
type Locker interface {
	// TryLock attempts to take the lock without blocking. It returns false
	// if the lock is held elsewhere.
	TryLock() (bool, error)

	// Unlock releases a lock taken by TryLock.
	Unlock() error
}

// HostFile is a File backed by a host file. Write-back takes an advisory
// flock(2) on the file so that concurrent flushes from other processes are
// refused rather than interleaved.
//
// The file is opened with O_DIRECT where the host filesystem supports it, so
// page I/O bypasses the host page cache. Buffers and offsets passed to
// ReadAt and WriteAt must then be aligned to directio.AlignSize, as page
// buffers from directio.AlignedBlock are.
type HostFile struct {
	f      *os.File
	lock   *flock.Flock
	direct bool
}

var _ File = (*HostFile)(nil)
var _ Locker = (*HostFile)(nil)

// OpenFile opens or creates the host file at path for reading and writing.
// It falls back to buffered I/O on filesystems that refuse O_DIRECT.
func OpenFile(path string) (*HostFile, error) {
	direct := true
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if errors.Is(err, unix.EINVAL) {
		log.Debugf("mm: %q does not support direct I/O, using buffered I/O", path)
		direct = false
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening backing file %q: %w", path, err)
	}
	return &HostFile{
		f:      f,
		lock:   flock.New(path),
		direct: direct,
	}, nil
}

// Direct returns true if h bypasses the host page cache.
func (h *HostFile) Direct() bool {
	return h.direct
}

// ReadAt implements io.ReaderAt.ReadAt.
func (h *HostFile) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.WriteAt.
func (h *HostFile) WriteAt(p []byte, off int64) (int, error) {
	return h.f.WriteAt(p, off)
}

// TryLock implements Locker.TryLock.
func (h *HostFile) TryLock() (bool, error) {
	ok, err := h.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("error locking %q: %w", h.lock.Path(), err)
	}
	return ok, nil
}

// Unlock implements Locker.Unlock.
func (h *HostFile) Unlock() error {
	return h.lock.Unlock()
}

// Name returns the path of the file.
func (h *HostFile) Name() string {
	return h.f.Name()
}

// Close closes the file and drops any lock held on it.
func (h *HostFile) Close() error {
	lerr := h.lock.Close()
	if err := h.f.Close(); err != nil {
		return err
	}
	return lerr
}

// lockForWriteback takes file's write-back lock if it has one. It returns
// EBUSY if the lock is held elsewhere.
func lockForWriteback(file File) (unlock func() error, err error) {
	l, ok := file.(Locker)
	if !ok {
		return func() error { return nil }, nil
	}
	locked, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("file is being written back elsewhere: %w", linuxerr.EBUSY)
	}
	return l.Unlock, nil
}
