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

// Package lock is the API for POSIX-style advisory regional file locks.
//
// Callers needing to enforce advisory locks keep a Locks value per file
// object and implement lock and unlock operations on top of it:
//
//	func Lock() {
//		if err := locks.LockRegion(uid, pid, lock.ReadLock, r, nil); err != nil {
//			// Conflicting lock held by another owner.
//		}
//	}
//
//	func Unlock() {
//		locks.UnlockRegion(uid, r)
//	}
//
// Lock ownership is per (file object, owner), never per descriptor: all
// descriptors sharing one file table share one UniqueID, so a process
// can always re-lock, shrink, upgrade or downgrade its own records
// without conflicting with itself.
package lock

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"

	"enclaveos.dev/enclaveos/pkg/abi/linux"
	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
)

// LockType is a type of regional file lock.
type LockType int

const (
	// ReadLock describes a POSIX regional file lock to be taken
	// read only. There may be multiple of these locks on a single
	// file region as long as there is no writer lock on the same
	// region.
	ReadLock LockType = iota

	// WriteLock describes a POSIX regional file lock to be taken
	// write only. There may be only a single holder of this lock
	// and no read locks.
	WriteLock
)

// String implements fmt.Stringer.String.
func (t LockType) String() string {
	switch t {
	case ReadLock:
		return "ReadLock"
	case WriteLock:
		return "WriteLock"
	}
	return "Unknown"
}

// UniqueID is a unique identifier of the holder of a regional file lock.
// All descriptors produced by one process's file table share the same
// UniqueID.
type UniqueID uint64

// LockEOF is the maximal possible end of a regional file lock. A lock
// with this end covers the rest of the file no matter how large it
// grows.
const LockEOF = math.MaxUint64

// LockRange is a regional file lock's byte range, [Start, End).
type LockRange struct {
	Start uint64
	End   uint64
}

// Overlaps returns true iff r and other share any byte.
func (r LockRange) Overlaps(other LockRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// String implements fmt.Stringer.String.
func (r LockRange) String() string {
	if r.End == LockEOF {
		return fmt.Sprintf("[%d, EOF)", r.Start)
	}
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Lock is a single advisory file lock record.
type Lock struct {
	// Owner is the lock's owning file table.
	Owner UniqueID

	// OwnerPID is the PID of the owning process, reported to
	// applications that query a conflicting lock.
	OwnerPID int32

	// Type is the type of the lock.
	Type LockType

	// LockRange is the absolute byte range the lock covers.
	LockRange
}

// ToFlock returns the wire representation of the record, for reporting a
// conflicting lock to an application.
func (p Lock) ToFlock() linux.Flock {
	fl := linux.Flock{
		Whence: linux.SEEK_SET,
		Start:  int64(p.Start),
		PID:    p.OwnerPID,
	}
	if p.Type == WriteLock {
		fl.Type = linux.F_WRLCK
	} else {
		fl.Type = linux.F_RDLCK
	}
	if p.End != LockEOF {
		fl.Len = int64(p.End - p.Start)
	}
	return fl
}

// Blocker is the interface used to wait for a conflicting lock to be
// released. Block returns nil when C is notified and a non-nil error
// when the wait was abandoned (e.g. the waiting thread was interrupted).
type Blocker interface {
	Block(C <-chan struct{}) error
}

const lockSetDegree = 8

func lockLess(a, b Lock) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	// An owner's records are disjoint, so (Start, Owner) identifies a
	// record.
	return a.Owner < b.Owner
}

// Locks is a thread-safe set of regional advisory locks for one file
// object. The zero value is an empty set.
//
// All operations run under a single mutex, so once an acquisition
// returns the record is visible to every subsequent query on the same
// file.
type Locks struct {
	mu sync.Mutex

	// set holds the current records, ordered by range start.
	set *btree.BTreeG[Lock]

	// released is closed and cleared whenever a record is removed or
	// shrunk, waking blocked acquisitions so they can re-check for
	// conflicts.
	released chan struct{}
}

// Test returns the first record that would prevent the given owner from
// taking a lock of type t on r, in range order. It never mutates the
// set.
func (l *Locks) Test(owner UniqueID, t LockType, r LockRange) (Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflictLocked(owner, t, r)
}

// LockRegion attempts to acquire a lock of type t on r for owner. The
// owner's own overlapping records never conflict; they are redefined by
// the new lock. Adjacent records of the same type and owner are
// coalesced into one.
//
// If a conflicting record exists and block is nil, LockRegion fails
// with EAGAIN. With a non-nil block it waits for a release and retries;
// the retry re-validates because a competing waiter may acquire first.
func (l *Locks) LockRegion(owner UniqueID, ownerPID int32, t LockType, r LockRange, block Blocker) error {
	for {
		l.mu.Lock()
		if _, ok := l.conflictLocked(owner, t, r); !ok {
			l.lockLocked(Lock{Owner: owner, OwnerPID: ownerPID, Type: t, LockRange: r})
			l.mu.Unlock()
			return nil
		}
		if block == nil {
			l.mu.Unlock()
			return linuxerr.EAGAIN
		}
		ch := l.releasedChannelLocked()
		l.mu.Unlock()
		if err := block.Block(ch); err != nil {
			return err
		}
	}
}

// UnlockRegion releases the parts of the owner's records intersecting
// r. A record strictly containing r is split in two.
func (l *Locks) UnlockRegion(owner UniqueID, r LockRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unlockLocked(owner, r) {
		l.notifyLocked()
	}
}

// UnlockAll releases every record held by owner. It is called when the
// last descriptor referencing the file in the owner's table is closed.
func (l *Locks) UnlockAll(owner UniqueID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set == nil {
		return
	}
	var own []Lock
	l.set.Ascend(func(rec Lock) bool {
		if rec.Owner == owner {
			own = append(own, rec)
		}
		return true
	})
	for _, rec := range own {
		l.set.Delete(rec)
	}
	if len(own) > 0 {
		l.notifyLocked()
	}
}

// Records returns a snapshot of the current records, in range order.
func (l *Locks) Records() []Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set == nil {
		return nil
	}
	recs := make([]Lock, 0, l.set.Len())
	l.set.Ascend(func(rec Lock) bool {
		recs = append(recs, rec)
		return true
	})
	return recs
}

// forOverlappingLocked calls fn for each record overlapping r, in range
// order, until fn returns false. fn must not mutate the set.
//
// Preconditions: l.mu must be held.
func (l *Locks) forOverlappingLocked(r LockRange, fn func(Lock) bool) {
	if l.set == nil {
		return
	}
	l.set.Ascend(func(rec Lock) bool {
		if rec.Start >= r.End {
			return false
		}
		if rec.End <= r.Start {
			return true
		}
		return fn(rec)
	})
}

// conflictLocked returns the first record conflicting with a request by
// owner for a lock of type t on r. Two records conflict iff their
// ranges overlap, they belong to different owners, and at least one of
// them is a write lock.
//
// Preconditions: l.mu must be held.
func (l *Locks) conflictLocked(owner UniqueID, t LockType, r LockRange) (Lock, bool) {
	var conflict Lock
	found := false
	l.forOverlappingLocked(r, func(rec Lock) bool {
		if rec.Owner == owner {
			// Self locks never conflict; they redefine.
			return true
		}
		if t == WriteLock || rec.Type == WriteLock {
			conflict = rec
			found = true
			return false
		}
		return true
	})
	return conflict, found
}

// lockLocked inserts req, carving away the parts of the owner's own
// records that req covers and coalescing with adjacent records of the
// same owner and type.
//
// Preconditions: l.mu must be held, and conflictLocked returned false
// for req's owner, type and range.
func (l *Locks) lockLocked(req Lock) {
	if l.set == nil {
		l.set = btree.NewG(lockSetDegree, lockLess)
	}

	// Redefine the owner's overlapping records: keep only the pieces
	// outside req's range, with their original type.
	var own []Lock
	l.forOverlappingLocked(req.LockRange, func(rec Lock) bool {
		if rec.Owner == req.Owner {
			own = append(own, rec)
		}
		return true
	})
	for _, rec := range own {
		l.set.Delete(rec)
		if rec.Start < req.Start {
			frag := rec
			frag.End = req.Start
			l.set.ReplaceOrInsert(frag)
		}
		if rec.End > req.End {
			frag := rec
			frag.Start = req.End
			l.set.ReplaceOrInsert(frag)
		}
	}

	// Coalesce with the owner's adjacent records of the same type.
	// Records are disjoint per owner, so there is at most one on each
	// side.
	var left, right Lock
	var hasLeft, hasRight bool
	l.set.Ascend(func(rec Lock) bool {
		if rec.Start > req.End {
			return false
		}
		if rec.Owner != req.Owner || rec.Type != req.Type {
			return true
		}
		if rec.End == req.Start {
			left, hasLeft = rec, true
		}
		if rec.Start == req.End {
			right, hasRight = rec, true
		}
		return true
	})
	if hasLeft {
		l.set.Delete(left)
		req.Start = left.Start
	}
	if hasRight {
		l.set.Delete(right)
		req.End = right.End
	}

	l.set.ReplaceOrInsert(req)
	if len(own) > 0 {
		// A record was replaced or shrunk; a downgrade may have
		// unblocked a waiter.
		l.notifyLocked()
	}
}

// unlockLocked removes the parts of the owner's records intersecting r
// and reports whether anything was removed.
//
// Preconditions: l.mu must be held.
func (l *Locks) unlockLocked(owner UniqueID, r LockRange) bool {
	var own []Lock
	l.forOverlappingLocked(r, func(rec Lock) bool {
		if rec.Owner == owner {
			own = append(own, rec)
		}
		return true
	})
	for _, rec := range own {
		l.set.Delete(rec)
		if rec.Start < r.Start {
			frag := rec
			frag.End = r.Start
			l.set.ReplaceOrInsert(frag)
		}
		if rec.End > r.End {
			frag := rec
			frag.Start = r.End
			l.set.ReplaceOrInsert(frag)
		}
	}
	return len(own) > 0
}

// releasedChannelLocked returns the channel to wait on for the next
// release notification.
//
// Preconditions: l.mu must be held.
func (l *Locks) releasedChannelLocked() chan struct{} {
	if l.released == nil {
		l.released = make(chan struct{})
	}
	return l.released
}

// notifyLocked wakes all blocked acquisitions.
//
// Preconditions: l.mu must be held.
func (l *Locks) notifyLocked() {
	if l.released != nil {
		close(l.released)
		l.released = nil
	}
}

// ComputeRange takes a positional lock request and computes the
// absolute byte range it covers. offset is the base the request's start
// is relative to, already resolved from the request's whence.
//
// Arithmetic follows fs/locks.c:flock64_to_posix_lock: a resolved start
// or end that does not fit in an off_t fails with EOVERFLOW, and a
// resolved start that is negative fails with EINVAL. The checks run
// before each addition so untrusted extremes cannot wrap back into
// range.
func ComputeRange(start, length, offset int64) (LockRange, error) {
	if start > 0 && offset > math.MaxInt64-start {
		return LockRange{}, linuxerr.EOVERFLOW
	}
	offset += start
	if offset < 0 {
		return LockRange{}, linuxerr.EINVAL
	}
	if length < 0 {
		// fcntl(2): a negative l_len locks the l_len bytes before
		// l_start, i.e. [l_start+l_len, l_start). offset is non-negative
		// here, so the sum cannot wrap; it is simply rejected when it
		// resolves below zero (l_len = MinInt64 always does).
		begin := offset + length
		if begin < 0 {
			return LockRange{}, linuxerr.EINVAL
		}
		return LockRange{Start: uint64(begin), End: uint64(offset)}, nil
	}
	// fcntl(2): specifying 0 for l_len locks all bytes from the resolved
	// start through to the end of file, no matter how large the file
	// grows.
	if length == 0 {
		return LockRange{Start: uint64(offset), End: LockEOF}, nil
	}
	if length-1 > math.MaxInt64-offset {
		return LockRange{}, linuxerr.EOVERFLOW
	}
	return LockRange{Start: uint64(offset), End: uint64(offset) + uint64(length)}, nil
}
