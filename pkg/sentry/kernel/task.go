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

// Package kernel provides the per-process state system call handlers
// operate on: the file descriptor table and the task context.
package kernel

import (
	"context"

	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
	"enclaveos.dev/enclaveos/pkg/sentry/fs"
	"enclaveos.dev/enclaveos/pkg/sentry/limits"
	"enclaveos.dev/enclaveos/pkg/usermem"
)

// ThreadID is a thread (or thread group) identifier.
type ThreadID int32

// Task represents one thread of execution. It carries everything a
// system call handler needs: the owning process's identity, its file
// table, its address space and its resource limits. Handlers receive
// the task explicitly as a parameter; there is no ambient "current
// task" global.
type Task struct {
	context.Context

	// tgid is the ID of the task's thread group. Advisory locks taken
	// by any thread of the group report this as their owner PID.
	tgid ThreadID

	// fdTable is the process's file table, shared by all its threads.
	fdTable *FDTable

	// memory provides validated access to the task's address space.
	memory usermem.IO

	// limits is the process's resource limits.
	limits *limits.LimitSet

	// interruptChan is signaled when the task is asked to abandon a
	// blocking wait. It has a one-element buffer so Interrupt never
	// blocks.
	interruptChan chan struct{}
}

// NewTask creates a Task with a fresh, empty file table.
func NewTask(tgid ThreadID, memory usermem.IO) *Task {
	return &Task{
		Context:       context.Background(),
		tgid:          tgid,
		fdTable:       NewFDTable(),
		memory:        memory,
		limits:        limits.NewLimitSet(),
		interruptChan: make(chan struct{}, 1),
	}
}

// ThreadGroupID returns the ID of the task's thread group.
func (t *Task) ThreadGroupID() ThreadID {
	return t.tgid
}

// FDTable returns the task's file table.
func (t *Task) FDTable() *FDTable {
	return t.fdTable
}

// Memory returns the task's address space.
func (t *Task) Memory() usermem.IO {
	return t.memory
}

// Limits returns the task's resource limits.
func (t *Task) Limits() *limits.LimitSet {
	return t.limits
}

// NewFDFrom allocates the lowest free descriptor greater than or equal
// to fd for file, under the task's NOFILE limit.
func (t *Task) NewFDFrom(fd int32, file *fs.File, flags FDFlags) (int32, error) {
	return t.fdTable.NewFDFrom(fd, file, flags, t.limits)
}

// NewFDAt installs file at exactly fd, closing whatever was there.
func (t *Task) NewFDAt(fd int32, file *fs.File, flags FDFlags) error {
	return t.fdTable.NewFDAt(fd, file, flags, t.limits)
}

// GetFile returns a reference to the file at fd, or nil. The caller
// must DecRef the file when done.
func (t *Task) GetFile(fd int32) *fs.File {
	return t.fdTable.GetFile(fd)
}

// CopyObjectIn copies a fixed-size object in from the task's address
// space, validating the range first.
func (t *Task) CopyObjectIn(addr usermem.Addr, dst any) error {
	return usermem.CopyObjectIn(t, t.memory, addr, dst, usermem.IOOpts{})
}

// CopyObjectOut copies a fixed-size object out to the task's address
// space, validating the range first.
func (t *Task) CopyObjectOut(addr usermem.Addr, src any) error {
	return usermem.CopyObjectOut(t, t.memory, addr, src, usermem.IOOpts{})
}

// Interrupt wakes the task from a blocking wait. The task observes the
// interrupt the next time it blocks, so an interrupt delivered just
// before blocking is not lost.
func (t *Task) Interrupt() {
	select {
	case t.interruptChan <- struct{}{}:
	default:
	}
}

// Block implements lock.Blocker. It waits until C is notified or the
// task is interrupted, in which case it fails with EINTR and leaves no
// waiter registered.
func (t *Task) Block(C <-chan struct{}) error {
	select {
	case <-C:
		return nil
	case <-t.interruptChan:
		return linuxerr.EINTR
	}
}
