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

// Package linux provides Linux system call semantics for file
// descriptor management and advisory record locking.
package linux

import (
	"enclaveos.dev/enclaveos/pkg/abi/linux"
	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
	"enclaveos.dev/enclaveos/pkg/log"
	"enclaveos.dev/enclaveos/pkg/sentry/fs"
	"enclaveos.dev/enclaveos/pkg/sentry/fs/lock"
	"enclaveos.dev/enclaveos/pkg/sentry/kernel"
	"enclaveos.dev/enclaveos/pkg/usermem"
)

// Command is one decoded fcntl request. The set of implementations is
// closed: DecodeCommand produces exactly one variant per recognized
// command code, so downstream code switches exhaustively and an
// unsupported code is rejected once, at the boundary.
type Command interface {
	command()
}

// DupFD duplicates the descriptor onto the lowest free slot greater
// than or equal to MinFD.
type DupFD struct {
	MinFD int32
}

// DupFDCloexec is DupFD with close-on-exec set on the new descriptor.
type DupFDCloexec struct {
	MinFD int32
}

// GetFD returns the descriptor's flags.
type GetFD struct{}

// SetFD sets the descriptor's flags.
type SetFD struct {
	Flags uint32
}

// GetFL returns the file's status flags combined with its access mode.
type GetFL struct{}

// SetFL replaces the file's settable status flags.
type SetFL struct {
	Flags uint32
}

// GetLK tests for a conflicting advisory lock. The result is written
// back over the request structure in the task's memory.
type GetLK struct {
	Addr  usermem.Addr
	Flock linux.Flock
}

// SetLK acquires or releases an advisory lock without blocking.
type SetLK struct {
	Flock linux.Flock
}

// SetLKW is SetLK, waiting for conflicting locks to be released.
type SetLKW struct {
	Flock linux.Flock
}

func (DupFD) command()        {}
func (DupFDCloexec) command() {}
func (GetFD) command()        {}
func (SetFD) command()        {}
func (GetFL) command()        {}
func (SetFL) command()        {}
func (GetLK) command()        {}
func (SetLK) command()        {}
func (SetLKW) command()       {}

// DecodeCommand decodes a raw fcntl command and argument pair. For the
// lock commands the argument is a pointer into the task's address
// space: the full structure range is validated before it is
// dereferenced, and the embedded lock type is checked before anything
// reaches the lock manager. Unrecognized command codes fail with
// EINVAL.
func DecodeCommand(t *kernel.Task, cmd int32, arg uint64) (Command, error) {
	switch cmd {
	case linux.F_DUPFD:
		return DupFD{MinFD: int32(arg)}, nil
	case linux.F_DUPFD_CLOEXEC:
		return DupFDCloexec{MinFD: int32(arg)}, nil
	case linux.F_GETFD:
		return GetFD{}, nil
	case linux.F_SETFD:
		return SetFD{Flags: uint32(arg)}, nil
	case linux.F_GETFL:
		return GetFL{}, nil
	case linux.F_SETFL:
		return SetFL{Flags: uint32(arg)}, nil
	case linux.F_GETLK:
		// The result is written back in place, so the structure must be
		// writable as well as readable.
		addr := usermem.Addr(arg)
		fl, err := copyInFlock(t, addr, usermem.ReadWrite)
		if err != nil {
			return nil, err
		}
		return GetLK{Addr: addr, Flock: fl}, nil
	case linux.F_SETLK:
		fl, err := copyInFlock(t, usermem.Addr(arg), usermem.Read)
		if err != nil {
			return nil, err
		}
		return SetLK{Flock: fl}, nil
	case linux.F_SETLKW:
		fl, err := copyInFlock(t, usermem.Addr(arg), usermem.Read)
		if err != nil {
			return nil, err
		}
		return SetLKW{Flock: fl}, nil
	default:
		// Everything else is not supported.
		return nil, linuxerr.EINVAL
	}
}

// copyInFlock copies a struct flock in from the task's memory,
// validating the pointer range with the given access before the first
// dereference and rejecting malformed lock types.
func copyInFlock(t *kernel.Task, addr usermem.Addr, at usermem.AccessType) (linux.Flock, error) {
	var fl linux.Flock
	if _, err := t.Memory().CheckIORange(addr, int64(fl.SizeBytes()), at); err != nil {
		return linux.Flock{}, err
	}
	if err := t.CopyObjectIn(addr, &fl); err != nil {
		return linux.Flock{}, err
	}
	switch fl.Type {
	case linux.F_RDLCK, linux.F_WRLCK, linux.F_UNLCK:
	default:
		return linux.Flock{}, linuxerr.EINVAL
	}
	return fl, nil
}

// Fcntl implements linux syscall fcntl(2) for the supported command
// set: descriptor duplication, descriptor flags, status flags and
// advisory record locks.
//
// Failures leave the file table and the file's lock state unchanged.
func Fcntl(t *kernel.Task, fd int32, cmd int32, arg uint64) (uintptr, error) {
	file, flags := t.FDTable().GetDescriptor(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	defer file.DecRef()

	req, err := DecodeCommand(t, cmd, arg)
	if err != nil {
		return 0, err
	}
	log.Debugf("fcntl(%d, %d, %#x): %T", fd, cmd, arg, req)

	switch req := req.(type) {
	case DupFD:
		newFD, err := t.NewFDFrom(req.MinFD, file, kernel.FDFlags{})
		if err != nil {
			return 0, err
		}
		return uintptr(newFD), nil
	case DupFDCloexec:
		newFD, err := t.NewFDFrom(req.MinFD, file, kernel.FDFlags{
			CloseOnExec: true,
		})
		if err != nil {
			return 0, err
		}
		return uintptr(newFD), nil
	case GetFD:
		return uintptr(flags.ToLinuxFDFlags()), nil
	case SetFD:
		return 0, t.FDTable().SetFlags(fd, kernel.FDFlags{
			CloseOnExec: req.Flags&linux.FD_CLOEXEC != 0,
		})
	case GetFL:
		return uintptr(file.StatusFlags() | file.AccessMode()), nil
	case SetFL:
		file.SetStatusFlags(req.Flags)
		return 0, nil
	case GetLK:
		return 0, posixTestLock(t, file, req)
	case SetLK:
		return 0, posixLock(t, file, req.Flock, nil)
	case SetLKW:
		return 0, posixLock(t, file, req.Flock, t)
	default:
		return 0, linuxerr.EINVAL
	}
}

// Close implements linux syscall close(2).
func Close(t *kernel.Task, fd int32) error {
	file, ok := t.FDTable().Remove(fd)
	if !ok {
		return linuxerr.EBADF
	}
	file.DecRef()
	return nil
}

// Dup implements linux syscall dup(2).
func Dup(t *kernel.Task, fd int32) (uintptr, error) {
	file := t.GetFile(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	defer file.DecRef()

	newFD, err := t.NewFDFrom(0, file, kernel.FDFlags{})
	if err != nil {
		return 0, err
	}
	return uintptr(newFD), nil
}

// Dup3 implements linux syscall dup3(2).
func Dup3(t *kernel.Task, oldfd, newfd int32, flags uint32) (uintptr, error) {
	if oldfd == newfd {
		return 0, linuxerr.EINVAL
	}
	if flags&^uint32(linux.O_CLOEXEC) != 0 {
		return 0, linuxerr.EINVAL
	}

	file := t.GetFile(oldfd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	defer file.DecRef()

	if err := t.NewFDAt(newfd, file, kernel.FDFlags{
		CloseOnExec: flags&linux.O_CLOEXEC != 0,
	}); err != nil {
		return 0, err
	}
	return uintptr(newfd), nil
}

// lockOwner is the advisory lock owner identity of t's process: locks
// belong to the file table, not to any one descriptor.
func lockOwner(t *kernel.Task) lock.UniqueID {
	return lock.UniqueID(t.FDTable().ID())
}

// computeLockRange resolves a lock request's whence-relative range to
// absolute file offsets. The offset and size are read without holding
// any lock, as Linux does (fs/locks.c:flock_to_posix_lock).
func computeLockRange(file *fs.File, fl linux.Flock) (lock.LockRange, error) {
	var off int64
	switch fl.Whence {
	case linux.SEEK_SET:
		off = 0
	case linux.SEEK_CUR:
		off = file.Offset()
	case linux.SEEK_END:
		off = file.Size()
	default:
		return lock.LockRange{}, linuxerr.EINVAL
	}
	return lock.ComputeRange(fl.Start, fl.Len, off)
}

func posixTestLock(t *kernel.Task, file *fs.File, req GetLK) error {
	var typ lock.LockType
	switch req.Flock.Type {
	case linux.F_RDLCK:
		typ = lock.ReadLock
	case linux.F_WRLCK:
		typ = lock.WriteLock
	default:
		// Testing for an unlock is meaningless.
		return linuxerr.EINVAL
	}

	r, err := computeLockRange(file, req.Flock)
	if err != nil {
		return err
	}

	newFlock := req.Flock
	if conflict, ok := file.Locks().Test(lockOwner(t), typ, r); ok {
		newFlock = conflict.ToFlock()
	} else {
		// No conflict: only the type field changes, per fcntl(2).
		newFlock.Type = linux.F_UNLCK
	}
	return t.CopyObjectOut(req.Addr, &newFlock)
}

func posixLock(t *kernel.Task, file *fs.File, fl linux.Flock, block lock.Blocker) error {
	r, err := computeLockRange(file, fl)
	if err != nil {
		return err
	}

	switch fl.Type {
	case linux.F_RDLCK:
		if !file.IsReadable() {
			return linuxerr.EBADF
		}
		return file.Locks().LockRegion(lockOwner(t), int32(t.ThreadGroupID()), lock.ReadLock, r, block)

	case linux.F_WRLCK:
		if !file.IsWritable() {
			return linuxerr.EBADF
		}
		return file.Locks().LockRegion(lockOwner(t), int32(t.ThreadGroupID()), lock.WriteLock, r, block)

	case linux.F_UNLCK:
		file.Locks().UnlockRegion(lockOwner(t), r)
		return nil

	default:
		return linuxerr.EINVAL
	}
}
