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

// Package usermem governs access to user memory.
//
// Addresses handed to this package originate from untrusted application
// code. Every dereference goes through an IO implementation, which is
// responsible for confirming that the full byte range is mapped with the
// required permission before any byte is read or written.
package usermem

import (
	"bytes"
	"context"
	"encoding/binary"

	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
)

// Addr represents an address in an application's virtual address space.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is
// true iff adding the length did not overflow the range of Addr.
//
// Note: end contains the meaningless value 0 if ok is false.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange converts v to an AddrRange of the given length, failing if the
// end of the range wraps around.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// AddrRange is a range of Addrs, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true iff ar fully contains other.
func (ar AddrRange) Contains(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// AccessType specifies memory access types.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	ReadWrite = AccessType{Read: true, Write: true}
)

// SupersetOf returns true iff the access requested by other is a subset
// of a.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	return true
}

// IOOpts contains options applicable to all IO methods.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory
	// protections will be ignored. (Memory protections required by the
	// target of the mapping are never ignored.)
	IgnorePermissions bool
}

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at
	// addr. It returns the number of bytes copied. If the number of
	// bytes copied is < len(src), it returns a non-nil error explaining
	// why.
	CopyOut(ctx context.Context, addr Addr, src []byte, opts IOOpts) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to
	// dst. It returns the number of bytes copied. If the number of bytes
	// copied is < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr Addr, dst []byte, opts IOOpts) (int, error)

	// CheckIORange validates that the range [addr, addr+length) is
	// mapped with the given access type, without touching the memory.
	// It fails with EFAULT if any byte of the range is unmapped or lacks
	// the permission.
	CheckIORange(addr Addr, length int64, at AccessType) (AddrRange, error)
}

// ByteOrder is the native byte order of application data.
var ByteOrder = binary.LittleEndian

// CopyObjectIn copies a fixed-size value from the memory mapped at addr
// to dst. dst must be a pointer to a fixed-size type with an
// unambiguous wire layout (explicit padding fields).
func CopyObjectIn(ctx context.Context, uio IO, addr Addr, dst any, opts IOOpts) error {
	buf := make([]byte, binary.Size(dst))
	if _, err := uio.CopyIn(ctx, addr, buf, opts); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), ByteOrder, dst)
}

// CopyObjectOut copies a fixed-size value src to the memory mapped at
// addr. src has the same layout requirements as CopyObjectIn's dst.
func CopyObjectOut(ctx context.Context, uio IO, addr Addr, src any, opts IOOpts) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, src); err != nil {
		return err
	}
	if _, err := uio.CopyOut(ctx, addr, buf.Bytes(), opts); err != nil {
		return err
	}
	return nil
}

// checkedRange bounds-checks a requested transfer against the size of an
// address space, returning the validated range.
func checkedRange(addr Addr, length int64, size uint64) (AddrRange, error) {
	if length < 0 {
		return AddrRange{}, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(length))
	if !ok || uint64(ar.End) > size {
		return AddrRange{}, linuxerr.EFAULT
	}
	return ar, nil
}
