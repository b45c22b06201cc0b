// Copyright 2024 The EnclaveOS Authors.
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

// Package fs implements the shared open-file state referenced by file
// descriptors.
package fs

import (
	"sync"
	"sync/atomic"

	"enclaveos.dev/enclaveos/pkg/abi/linux"
	"enclaveos.dev/enclaveos/pkg/refs"
	"enclaveos.dev/enclaveos/pkg/sentry/fs/lock"
)

// settableStatusFlags are the status flags applications may change
// after open. Access-mode bits are never settable; anything outside
// this mask is truncated on set.
const settableStatusFlags = linux.O_APPEND | linux.O_ASYNC | linux.O_DIRECT |
	linux.O_NOATIME | linux.O_NONBLOCK

// File is one open file instance. It may be referenced by any number of
// descriptors in any number of file tables; all of them observe the
// same status flags and the same advisory lock state, since those live
// here and not on the descriptor.
type File struct {
	refs.AtomicRefCount

	// accessMode is the O_ACCMODE portion of the open flags. It is
	// immutable for the life of the open instance.
	accessMode uint32

	// statusFlags is the file's mutable behavioral flags (O_NONBLOCK,
	// O_APPEND, ...). Accessed atomically.
	statusFlags uint32

	// mu protects offset and size.
	mu sync.Mutex

	// offset is the file's current seek position.
	offset int64

	// size is the file's current length, maintained by the filesystem
	// backing this open instance.
	size int64

	// locks is the set of advisory locks on the file.
	locks lock.Locks
}

// NewFile creates an open file instance from open(2) style flags.
func NewFile(flags uint32) *File {
	return &File{
		accessMode:  flags & linux.O_ACCMODE,
		statusFlags: flags &^ linux.O_ACCMODE,
	}
}

// AccessMode returns the file's access mode (O_RDONLY, O_WRONLY or
// O_RDWR).
func (f *File) AccessMode() uint32 {
	return f.accessMode
}

// IsReadable returns true iff the file was opened for reading.
func (f *File) IsReadable() bool {
	return f.accessMode == linux.O_RDONLY || f.accessMode == linux.O_RDWR
}

// IsWritable returns true iff the file was opened for writing.
func (f *File) IsWritable() bool {
	return f.accessMode == linux.O_WRONLY || f.accessMode == linux.O_RDWR
}

// StatusFlags returns the file's behavioral flags.
func (f *File) StatusFlags() uint32 {
	return atomic.LoadUint32(&f.statusFlags)
}

// SetStatusFlags replaces the file's settable status flags with the
// corresponding bits of flags. Unrecognized and access-mode bits are
// dropped. The change is visible through every descriptor referencing
// this file.
func (f *File) SetStatusFlags(flags uint32) {
	for {
		old := atomic.LoadUint32(&f.statusFlags)
		new := (old &^ settableStatusFlags) | (flags & settableStatusFlags)
		if atomic.CompareAndSwapUint32(&f.statusFlags, old, new) {
			return
		}
	}
}

// Offset returns the file's current seek position.
func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// SetOffset sets the file's seek position.
func (f *File) SetOffset(offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
}

// Size returns the file's current length.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// SetSize sets the file's length. It is called by the filesystem
// backing this open instance, not by descriptor-level code.
func (f *File) SetSize(size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
}

// Locks returns the file's advisory lock set.
func (f *File) Locks() *lock.Locks {
	return &f.locks
}
