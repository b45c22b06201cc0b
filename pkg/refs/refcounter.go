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

// Package refs defines an interface for reference counted objects.
package refs

import (
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are
// reference counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count.
	DecRef()
}

// AtomicRefCount keeps a reference count using atomic operations and
// calls the destructor when the count reaches zero.
//
// The count is initially zero; the object starts with one implicit
// reference represented by the -1 offset, matching the convention that a
// newly constructed object is owned by its creator.
type AtomicRefCount struct {
	// refCount is the number of outstanding references minus one. The
	// offset lets the zero value of AtomicRefCount represent a single
	// outstanding reference.
	refCount int64
}

// ReadRefs returns the current number of references.
func (r *AtomicRefCount) ReadRefs() int64 {
	// Account for the internal -1 offset on refcounts.
	return atomic.LoadInt64(&r.refCount) + 1
}

// IncRef increments this object's reference count. While the count is
// kept greater than zero, the destructor doesn't get called.
func (r *AtomicRefCount) IncRef() {
	if v := atomic.AddInt64(&r.refCount, 1); v <= 0 {
		panic("Incrementing non-positive ref count")
	}
}

// DecRefWithDestructor decrements the object's reference count. If the
// resulting count is negative and the destructor is not nil, then the
// destructor will be called.
//
// Precondition: the caller holds a reference.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := atomic.AddInt64(&r.refCount, -1); {
	case v < -1:
		panic("Decrementing non-positive ref count")

	case v == -1:
		// Call the destructor.
		if destroy != nil {
			destroy()
		}
	}
}

// DecRef decrements this object's reference count.
//
// Precondition: the caller holds a reference.
func (r *AtomicRefCount) DecRef() {
	r.DecRefWithDestructor(nil)
}
