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

package kernel

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"enclaveos.dev/enclaveos/pkg/abi/linux"
	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
	"enclaveos.dev/enclaveos/pkg/refs"
	"enclaveos.dev/enclaveos/pkg/sentry/fs"
	"enclaveos.dev/enclaveos/pkg/sentry/fs/lock"
	"enclaveos.dev/enclaveos/pkg/sentry/limits"
)

// FDs is an ordering of FD's that can be made stable.
type FDs []int32

func (f FDs) Len() int {
	return len(f)
}

func (f FDs) Swap(i, j int) {
	f[i], f[j] = f[j], f[i]
}

func (f FDs) Less(i, j int) bool {
	return f[i] < f[j]
}

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// ToLinuxFileFlags converts a kernel.FDFlags object to a Linux file
// flags representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint32) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	return
}

// ToLinuxFDFlags converts a kernel.FDFlags object to a Linux descriptor
// flags representation.
func (f FDFlags) ToLinuxFDFlags() (mask uint32) {
	if f.CloseOnExec {
		mask |= linux.FD_CLOEXEC
	}
	return
}

// descriptor holds the details about a file descriptor, namely a
// pointer to the file itself and the descriptor flags.
//
// Note that a descriptor only holds the flags; everything else (status
// flags, offset, locks) lives on the file and is shared by every
// descriptor aliasing it.
type descriptor struct {
	file  *fs.File
	flags FDFlags
}

// tableUIDs generates unique identifiers for FDTables.
var tableUIDs uint64

// FDTable is used to manage File references and flags for one process.
//
// The table may be shared by multiple threads of that process; every
// lookup, allocation and flag mutation runs under mu. The mutex is
// never held across calls into the file itself, so table operations
// don't serialize unrelated I/O.
type FDTable struct {
	refs.AtomicRefCount
	files map[int32]descriptor
	mu    sync.RWMutex
	uid   uint64
}

// NewFDTable allocates a new, empty FDTable.
func NewFDTable() *FDTable {
	return &FDTable{
		files: make(map[int32]descriptor),
		uid:   atomic.AddUint64(&tableUIDs, 1),
	}
}

// ID returns a unique identifier for this FDTable. It doubles as the
// owner identity of every advisory lock taken through this table.
func (f *FDTable) ID() uint64 {
	return f.uid
}

// destroy removes all of the file descriptors from the table.
func (f *FDTable) destroy() {
	f.RemoveIf(func(*fs.File, FDFlags) bool {
		return true
	})
}

// DecRef implements RefCounter.DecRef with destructor f.destroy.
func (f *FDTable) DecRef() {
	f.DecRefWithDestructor(f.destroy)
}

// Size returns the number of file descriptor slots currently allocated.
func (f *FDTable) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.files)
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var b bytes.Buffer
	for _, fd := range f.fdsLocked() {
		desc := f.files[fd]
		fmt.Fprintf(&b, "\tfd:%d => flags %#o\n", fd, desc.file.StatusFlags())
	}
	return b.String()
}

// NewFDFrom allocates a new FD guaranteed to be the lowest number
// available greater than or equal to fd. This property is important as
// Unix programs tend to count on this allocation order.
//
// Free slots below fd are never chosen, even when they exist.
func (f *FDTable) NewFDFrom(fd int32, file *fs.File, flags FDFlags, limitSet *limits.LimitSet) (int32, error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return 0, linuxerr.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Finds the lowest fd not in the handles map.
	lim := limitSet.Get(limits.NumberOfFiles)
	for i := fd; lim.Cur == limits.Infinity || i < int32(lim.Cur); i++ {
		if _, ok := f.files[i]; !ok {
			file.IncRef()
			f.files[i] = descriptor{file, flags}
			return i, nil
		}
	}

	return -1, linuxerr.EMFILE
}

// NewFDAt sets the file reference for the given FD. If there is an
// existing file for that FD, its reference is dropped, and the drop
// completes before NewFDAt returns so that close side effects (such as
// releasing the table's locks on a file it no longer references) are
// effected, as dup2(2) requires.
func (f *FDTable) NewFDAt(fd int32, file *fs.File, flags FDFlags, limitSet *limits.LimitSet) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}

	f.mu.Lock()
	oldDesc, oldExists := f.files[fd]
	lim := limitSet.Get(limits.NumberOfFiles).Cur
	// If we're closing one then the effective limit is one more than the
	// actual limit.
	if oldExists && lim != limits.Infinity {
		lim++
	}
	if lim != limits.Infinity && fd >= int32(lim) {
		f.mu.Unlock()
		return linuxerr.EMFILE
	}

	file.IncRef()
	f.files[fd] = descriptor{file, flags}
	var lastAlias bool
	if oldExists {
		lastAlias = !f.containsLocked(oldDesc.file)
	}
	f.mu.Unlock()

	if oldExists {
		if lastAlias {
			oldDesc.file.Locks().UnlockAll(f.lockOwner())
		}
		oldDesc.file.DecRef()
	}
	return nil
}

// SetFlags sets the flags for the given file descriptor.
func (f *FDTable) SetFlags(fd int32, flags FDFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	desc, ok := f.files[fd]
	if !ok {
		return linuxerr.EBADF
	}

	f.files[fd] = descriptor{desc.file, flags}
	return nil
}

// GetDescriptor returns a reference to the file and the flags for the
// FD. It bumps its reference count as well. It returns nil if there is
// no File for the FD, i.e. if the FD is invalid. The caller must use
// DecRef when they are done.
func (f *FDTable) GetDescriptor(fd int32) (*fs.File, FDFlags) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if desc, ok := f.files[fd]; ok {
		desc.file.IncRef()
		return desc.file, desc.flags
	}
	return nil, FDFlags{}
}

// GetFile returns a reference to the File for the FD and bumps its
// reference count as well. It returns nil if there is no File for the
// FD, i.e. if the FD is invalid. The caller must use DecRef when they
// are done.
func (f *FDTable) GetFile(fd int32) *fs.File {
	f.mu.RLock()
	if desc, ok := f.files[fd]; ok {
		desc.file.IncRef()
		f.mu.RUnlock()
		return desc.file
	}
	f.mu.RUnlock()
	return nil
}

// fdsLocked returns an ordering of FDs.
//
// Preconditions: f.mu must be held.
func (f *FDTable) fdsLocked() FDs {
	fds := make(FDs, 0, len(f.files))
	for fd := range f.files {
		fds = append(fds, fd)
	}
	sort.Sort(fds)
	return fds
}

// GetFDs returns a list of valid fds.
func (f *FDTable) GetFDs() FDs {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fdsLocked()
}

// Fork returns an independent FDTable pointing to the same descriptors.
func (f *FDTable) Fork() *FDTable {
	f.mu.RLock()
	defer f.mu.RUnlock()

	clone := NewFDTable()

	// Grab an extra reference for every file.
	for fd, desc := range f.files {
		desc.file.IncRef()
		clone.files[fd] = desc
	}

	// Note that advisory locks are not inherited: the clone's uid
	// differs from ours, so locks taken through this table stay owned
	// by this table alone.
	return clone
}

// lockOwner is the owner identity of this table's advisory locks.
func (f *FDTable) lockOwner() lock.UniqueID {
	return lock.UniqueID(f.uid)
}

// containsLocked returns true iff any descriptor in the table
// references file.
//
// Preconditions: f.mu must be held.
func (f *FDTable) containsLocked(file *fs.File) bool {
	for _, desc := range f.files {
		if desc.file == file {
			return true
		}
	}
	return false
}

// Remove removes an FD from the FDTable, and returns (File, true) if a
// File was found. Callers are expected to decrement the reference count
// on the File. Otherwise returns (nil, false).
//
// If the removed descriptor was the table's last reference to its file,
// every advisory lock the table holds on that file is released. A lock
// is owned by the table, not by a descriptor, so closing one of several
// aliases leaves the locks in place.
func (f *FDTable) Remove(fd int32) (*fs.File, bool) {
	f.mu.Lock()
	desc, ok := f.files[fd]
	if !ok {
		f.mu.Unlock()
		return nil, false
	}
	delete(f.files, fd)
	lastAlias := !f.containsLocked(desc.file)
	f.mu.Unlock()

	if lastAlias {
		desc.file.Locks().UnlockAll(f.lockOwner())
	}
	return desc.file, true
}

// RemoveIf removes all FDs where cond is true. It is used for
// close-on-exec cleanup when the process replaces its image.
func (f *FDTable) RemoveIf(cond func(*fs.File, FDFlags) bool) {
	var removed []*fs.File
	f.mu.Lock()
	for fd, desc := range f.files {
		if cond(desc.file, desc.flags) {
			delete(f.files, fd)
			removed = append(removed, desc.file)
		}
	}
	// A file may have been removed through one alias while another
	// alias survives; only release locks on files the table no longer
	// references at all.
	var unlock []*fs.File
	seen := make(map[*fs.File]bool)
	for _, file := range removed {
		if !seen[file] {
			seen[file] = true
			if !f.containsLocked(file) {
				unlock = append(unlock, file)
			}
		}
	}
	f.mu.Unlock()

	owner := f.lockOwner()
	for _, file := range unlock {
		file.Locks().UnlockAll(owner)
	}
	for _, file := range removed {
		file.DecRef()
	}
}
