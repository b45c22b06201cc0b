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

package linux

import (
	"math"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"enclaveos.dev/enclaveos/pkg/abi/linux"
	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
	"enclaveos.dev/enclaveos/pkg/sentry/fs"
	"enclaveos.dev/enclaveos/pkg/sentry/kernel"
	"enclaveos.dev/enclaveos/pkg/usermem"
)

const (
	// flockAddr is where tests place the struct flock argument. It lies
	// inside the read/write mapping established by newTestTask.
	flockAddr = usermem.Addr(0x1000)

	// roAddr lies inside a read-only mapping; unmappedAddr in no
	// mapping at all.
	roAddr       = usermem.Addr(0x3000)
	unmappedAddr = usermem.Addr(0x8000)
)

func newTestTask(t *testing.T, tgid kernel.ThreadID) *kernel.Task {
	t.Helper()
	as := usermem.NewAddressSpace(1 << 16)
	if err := as.Map(usermem.AddrRange{Start: 0x1000, End: 0x2000}, usermem.ReadWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := as.Map(usermem.AddrRange{Start: 0x3000, End: 0x4000}, usermem.Read); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	return kernel.NewTask(tgid, as)
}

func openFile(t *testing.T, task *kernel.Task, file *fs.File) int32 {
	t.Helper()
	fd, err := task.NewFDFrom(0, file, kernel.FDFlags{})
	if err != nil {
		t.Fatalf("NewFDFrom failed: %v", err)
	}
	return fd
}

func writeFlock(t *testing.T, task *kernel.Task, fl linux.Flock) {
	t.Helper()
	if err := task.CopyObjectOut(flockAddr, &fl); err != nil {
		t.Fatalf("writing struct flock failed: %v", err)
	}
}

func readFlock(t *testing.T, task *kernel.Task) linux.Flock {
	t.Helper()
	var fl linux.Flock
	if err := task.CopyObjectIn(flockAddr, &fl); err != nil {
		t.Fatalf("reading struct flock failed: %v", err)
	}
	return fl
}

func TestFcntlBadFD(t *testing.T) {
	task := newTestTask(t, 1)
	if _, err := Fcntl(task, 10, linux.F_GETFD, 0); err != linuxerr.EBADF {
		t.Fatalf("Fcntl on a closed FD got %v, want EBADF", err)
	}
}

func TestFcntlUnknownCommand(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))
	if _, err := Fcntl(task, fd, 9999, 0); err != linuxerr.EINVAL {
		t.Fatalf("Fcntl with an unknown command got %v, want EINVAL", err)
	}
}

func TestDupLowestSlot(t *testing.T) {
	task := newTestTask(t, 1)
	file := fs.NewFile(linux.O_RDWR)

	// Simulate stdio plus one open file at 3.
	var fd int32
	for i := int32(0); i < 4; i++ {
		fd = openFile(t, task, file)
		if fd != i {
			t.Fatalf("open got fd %v, want %v", fd, i)
		}
	}

	for _, want := range []uintptr{4, 5} {
		got, err := Fcntl(task, fd, linux.F_DUPFD, 0)
		if err != nil {
			t.Fatalf("F_DUPFD failed: %v", err)
		}
		if got != want {
			t.Fatalf("F_DUPFD got %v, want %v", got, want)
		}
	}

	// Closing 4 makes it the next dup target again.
	if err := Close(task, 4); err != nil {
		t.Fatalf("Close(4) failed: %v", err)
	}
	if got, err := Fcntl(task, fd, linux.F_DUPFD, 0); err != nil || got != 4 {
		t.Fatalf("F_DUPFD got (%v, %v), want (4, nil)", got, err)
	}

	// The argument is a minimum, not a target.
	if got, err := Fcntl(task, fd, linux.F_DUPFD, 10); err != nil || got != 10 {
		t.Fatalf("F_DUPFD with min 10 got (%v, %v), want (10, nil)", got, err)
	}
}

func TestDupCloexec(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	newFD, err := Fcntl(task, fd, linux.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("F_DUPFD_CLOEXEC failed: %v", err)
	}

	if flags, err := Fcntl(task, int32(newFD), linux.F_GETFD, 0); err != nil || flags != linux.FD_CLOEXEC {
		t.Fatalf("F_GETFD on the dup got (%#x, %v), want (FD_CLOEXEC, nil)", flags, err)
	}
	// The original descriptor is untouched.
	if flags, err := Fcntl(task, fd, linux.F_GETFD, 0); err != nil || flags != 0 {
		t.Fatalf("F_GETFD on the original got (%#x, %v), want (0, nil)", flags, err)
	}
}

func TestDescriptorFlagsIndependent(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	newFD, err := Fcntl(task, fd, linux.F_DUPFD, 0)
	if err != nil {
		t.Fatalf("F_DUPFD failed: %v", err)
	}

	if _, err := Fcntl(task, fd, linux.F_SETFD, linux.FD_CLOEXEC); err != nil {
		t.Fatalf("F_SETFD failed: %v", err)
	}
	if flags, err := Fcntl(task, fd, linux.F_GETFD, 0); err != nil || flags != linux.FD_CLOEXEC {
		t.Fatalf("F_GETFD got (%#x, %v), want (FD_CLOEXEC, nil)", flags, err)
	}
	// Setting the flag on one alias never reaches the other.
	if flags, err := Fcntl(task, int32(newFD), linux.F_GETFD, 0); err != nil || flags != 0 {
		t.Fatalf("F_GETFD on the dup got (%#x, %v), want (0, nil)", flags, err)
	}

	if _, err := Fcntl(task, fd, linux.F_SETFD, 0); err != nil {
		t.Fatalf("F_SETFD failed: %v", err)
	}
	if flags, err := Fcntl(task, fd, linux.F_GETFD, 0); err != nil || flags != 0 {
		t.Fatalf("F_GETFD after clearing got (%#x, %v), want (0, nil)", flags, err)
	}
}

func TestStatusFlagsShared(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	newFD, err := Fcntl(task, fd, linux.F_DUPFD, 0)
	if err != nil {
		t.Fatalf("F_DUPFD failed: %v", err)
	}

	if _, err := Fcntl(task, fd, linux.F_SETFL, linux.O_NONBLOCK); err != nil {
		t.Fatalf("F_SETFL failed: %v", err)
	}

	// Status flags live on the open file; both aliases observe the
	// change, and F_GETFL folds in the immutable access mode.
	want := uintptr(linux.O_RDWR | linux.O_NONBLOCK)
	for _, fd := range []int32{fd, int32(newFD)} {
		if flags, err := Fcntl(task, fd, linux.F_GETFL, 0); err != nil || flags != want {
			t.Fatalf("F_GETFL(%v) got (%#o, %v), want (%#o, nil)", fd, flags, err, want)
		}
	}
}

func TestSetFLDropsUnsettableBits(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_WRONLY|linux.O_APPEND))

	// Access-mode and unknown bits are silently dropped; the settable
	// flags are replaced wholesale, so the omitted O_APPEND clears.
	if _, err := Fcntl(task, fd, linux.F_SETFL, uint64(linux.O_RDWR|linux.O_CLOEXEC|linux.O_NONBLOCK)); err != nil {
		t.Fatalf("F_SETFL failed: %v", err)
	}
	want := uintptr(linux.O_WRONLY | linux.O_NONBLOCK)
	if flags, err := Fcntl(task, fd, linux.F_GETFL, 0); err != nil || flags != want {
		t.Fatalf("F_GETFL got (%#o, %v), want (%#o, nil)", flags, err, want)
	}
}

func TestGetLKNoConflict(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	writeFlock(t, task, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 10, Len: 100})
	if _, err := Fcntl(task, fd, linux.F_GETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_GETLK failed: %v", err)
	}

	// Only the type field changes when the lock could be placed.
	want := linux.Flock{Type: linux.F_UNLCK, Whence: linux.SEEK_SET, Start: 10, Len: 100}
	if got := readFlock(t, task); got != want {
		t.Fatalf("F_GETLK wrote %+v, want %+v", got, want)
	}
}

func TestGetLKReportsConflict(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 42)
	q := newTestTask(t, 43)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	writeFlock(t, q, linux.Flock{Type: linux.F_RDLCK, Whence: linux.SEEK_SET, Start: 5, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_GETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_GETLK failed: %v", err)
	}

	// The conflicting lock is reported with absolute coordinates and
	// the holder's PID.
	want := linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10, PID: 42}
	if got := readFlock(t, q); got != want {
		t.Fatalf("F_GETLK wrote %+v, want %+v", got, want)
	}

	// The query itself must not take a lock: the holder can still
	// extend its own lock, and q still conflicts.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 5, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("F_SETLK after F_GETLK got %v, want EAGAIN", err)
	}
}

func TestGetLKRejectsUnlock(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	writeFlock(t, task, linux.Flock{Type: linux.F_UNLCK, Whence: linux.SEEK_SET})
	if _, err := Fcntl(task, fd, linux.F_GETLK, uint64(flockAddr)); err != linuxerr.EINVAL {
		t.Fatalf("F_GETLK with F_UNLCK got %v, want EINVAL", err)
	}
}

func TestSetLKConflicts(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_RDLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	// Read locks are shared across owners.
	writeFlock(t, q, linux.Flock{Type: linux.F_RDLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("shared F_SETLK read lock failed: %v", err)
	}

	// A write lock conflicts with the other owner's read lock, without
	// blocking.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 5, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("conflicting F_SETLK got %v, want EAGAIN", err)
	}

	// Outside the locked range there is no conflict.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 10, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("non-overlapping F_SETLK failed: %v", err)
	}
}

func TestSetLKRequiresAccessMode(t *testing.T) {
	p := newTestTask(t, 1)

	rofd := openFile(t, p, fs.NewFile(linux.O_RDONLY))
	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, rofd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EBADF {
		t.Fatalf("write lock on a read-only file got %v, want EBADF", err)
	}

	wofd := openFile(t, p, fs.NewFile(linux.O_WRONLY))
	writeFlock(t, p, linux.Flock{Type: linux.F_RDLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, wofd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EBADF {
		t.Fatalf("read lock on a write-only file got %v, want EBADF", err)
	}
}

func TestUnlockSplitsRange(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 30})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}
	writeFlock(t, p, linux.Flock{Type: linux.F_UNLCK, Whence: linux.SEEK_SET, Start: 10, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_UNLCK failed: %v", err)
	}

	// The hole is free, the flanks are still locked.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 10, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK in the unlocked hole failed: %v", err)
	}
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("F_SETLK on the left flank got %v, want EAGAIN", err)
	}
}

func TestLockWhence(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	file.SetOffset(100)
	file.SetSize(200)

	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	// SEEK_CUR resolves against the file offset: [100, 110).
	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_CUR, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK(SEEK_CUR) failed: %v", err)
	}
	writeFlock(t, q, linux.Flock{Type: linux.F_RDLCK, Whence: linux.SEEK_SET, Start: 105, Len: 1})
	if _, err := Fcntl(q, qfd, linux.F_GETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_GETLK failed: %v", err)
	}
	want := linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 100, Len: 10, PID: 1}
	if got := readFlock(t, q); got != want {
		t.Fatalf("F_GETLK wrote %+v, want %+v", got, want)
	}

	// SEEK_END resolves against the file size: [190, 200).
	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_END, Start: 0, Len: -10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK(SEEK_END) failed: %v", err)
	}
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 195, Len: 1})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("F_SETLK over the SEEK_END lock got %v, want EAGAIN", err)
	}

	// A bad whence is rejected.
	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: 3, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EINVAL {
		t.Fatalf("F_SETLK with a bad whence got %v, want EINVAL", err)
	}

	// A start resolving below zero is rejected.
	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: -1, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EINVAL {
		t.Fatalf("F_SETLK with a negative start got %v, want EINVAL", err)
	}
}

func TestLockRangeExtremes(t *testing.T) {
	task := newTestTask(t, 1)
	file := fs.NewFile(linux.O_RDWR)
	fd := openFile(t, task, file)

	// MinInt64 + (-1) wraps back into positive territory; the resolved
	// start is mathematically negative and must be rejected, not placed
	// near the top of the offset space.
	writeFlock(t, task, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: math.MinInt64, Len: -1})
	if _, err := Fcntl(task, fd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EINVAL {
		t.Fatalf("F_SETLK with a wrapping start got %v, want EINVAL", err)
	}

	// Negating MinInt64 leaves it negative; it must not turn into a
	// lock to EOF.
	writeFlock(t, task, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: math.MinInt64})
	if _, err := Fcntl(task, fd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EINVAL {
		t.Fatalf("F_SETLK with l_len MinInt64 got %v, want EINVAL", err)
	}

	// An end past the largest representable offset overflows.
	writeFlock(t, task, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: math.MaxInt64, Len: 2})
	if _, err := Fcntl(task, fd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EOVERFLOW {
		t.Fatalf("F_SETLK past the maximum offset got %v, want EOVERFLOW", err)
	}

	// None of the rejected requests may have left a record behind.
	if recs := file.Locks().Records(); len(recs) != 0 {
		t.Fatalf("got %d lock records after rejected requests, want 0", len(recs))
	}
}

func TestZeroLenLocksToEOF(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 10, Len: 0})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	// The lock covers every byte from 10 on, however far away.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 1 << 40, Len: 1})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("F_SETLK far past the start got %v, want EAGAIN", err)
	}
	// Below 10 is free.
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK below the EOF lock failed: %v", err)
	}
}

func TestLockPointerFaults(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	if _, err := Fcntl(task, fd, linux.F_SETLK, uint64(unmappedAddr)); err != linuxerr.EFAULT {
		t.Fatalf("F_SETLK with an unmapped pointer got %v, want EFAULT", err)
	}
	// F_GETLK writes the result back, so a read-only mapping is not
	// good enough.
	if _, err := Fcntl(task, fd, linux.F_GETLK, uint64(roAddr)); err != linuxerr.EFAULT {
		t.Fatalf("F_GETLK with a read-only pointer got %v, want EFAULT", err)
	}
}

func TestCloseReleasesLocksOnLastClose(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	dupFD, err := Fcntl(p, pfd, linux.F_DUPFD, 0)
	if err != nil {
		t.Fatalf("F_DUPFD failed: %v", err)
	}

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	// Closing one alias leaves the lock held.
	if err := Close(p, pfd); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != linuxerr.EAGAIN {
		t.Fatalf("F_SETLK after one close got %v, want EAGAIN", err)
	}

	// Closing the last alias releases it.
	if err := Close(p, int32(dupFD)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := Fcntl(q, qfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK after the last close failed: %v", err)
	}
}

func TestSetLKWWaits(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	var g errgroup.Group
	g.Go(func() error {
		_, err := Fcntl(q, qfd, linux.F_SETLKW, uint64(flockAddr))
		return err
	})

	// Give the waiter a chance to block, then release the lock.
	time.Sleep(10 * time.Millisecond)
	writeFlock(t, p, linux.Flock{Type: linux.F_UNLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_UNLCK failed: %v", err)
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("F_SETLKW failed after release: %v", err)
	}
}

func TestSetLKWInterrupted(t *testing.T) {
	file := fs.NewFile(linux.O_RDWR)
	p := newTestTask(t, 1)
	q := newTestTask(t, 2)
	pfd := openFile(t, p, file)
	qfd := openFile(t, q, file)

	writeFlock(t, p, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(p, pfd, linux.F_SETLK, uint64(flockAddr)); err != nil {
		t.Fatalf("F_SETLK failed: %v", err)
	}

	// An interrupt delivered before blocking is picked up by the wait.
	q.Interrupt()
	writeFlock(t, q, linux.Flock{Type: linux.F_WRLCK, Whence: linux.SEEK_SET, Start: 0, Len: 10})
	if _, err := Fcntl(q, qfd, linux.F_SETLKW, uint64(flockAddr)); err != linuxerr.EINTR {
		t.Fatalf("interrupted F_SETLKW got %v, want EINTR", err)
	}
}

func TestDup3(t *testing.T) {
	task := newTestTask(t, 1)
	fd := openFile(t, task, fs.NewFile(linux.O_RDWR))

	if got, err := Dup3(task, fd, 7, linux.O_CLOEXEC); err != nil || got != 7 {
		t.Fatalf("Dup3 got (%v, %v), want (7, nil)", got, err)
	}
	if flags, err := Fcntl(task, 7, linux.F_GETFD, 0); err != nil || flags != linux.FD_CLOEXEC {
		t.Fatalf("F_GETFD got (%#x, %v), want (FD_CLOEXEC, nil)", flags, err)
	}

	if _, err := Dup3(task, fd, fd, 0); err != linuxerr.EINVAL {
		t.Fatalf("Dup3 onto itself got %v, want EINVAL", err)
	}
	if _, err := Dup3(task, fd, 8, linux.O_NONBLOCK); err != linuxerr.EINVAL {
		t.Fatalf("Dup3 with bad flags got %v, want EINVAL", err)
	}
	if _, err := Dup3(task, 100, 8, 0); err != linuxerr.EBADF {
		t.Fatalf("Dup3 from a closed FD got %v, want EBADF", err)
	}
}
