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

package usermem

import (
	"context"
	"sort"
	"sync"

	"enclaveos.dev/enclaveos/pkg/errors/linuxerr"
)

// vma is a mapped region of an address space with its effective
// protections.
type vma struct {
	ar    AddrRange
	perms AccessType
}

// AddressSpace is an IO implementation that tracks which regions of the
// application's address space are mapped, and with which permissions.
// A transfer is refused with EFAULT unless every byte of the requested
// range lies in a mapped region that permits the access.
//
// The backing store is a byte slice covering the whole space; only the
// mapped regions of it are reachable through the IO methods.
type AddressSpace struct {
	mu   sync.RWMutex
	vmas []vma // sorted by ar.Start, non-overlapping
	mem  []byte
}

// NewAddressSpace returns an AddressSpace covering size bytes, initially
// with nothing mapped.
func NewAddressSpace(size uint64) *AddressSpace {
	return &AddressSpace{
		mem: make([]byte, size),
	}
}

// Map marks the range ar as mapped with the given permissions. Existing
// mappings within ar are replaced.
func (as *AddressSpace) Map(ar AddrRange, perms AccessType) error {
	if ar.Start >= ar.End || uint64(ar.End) > uint64(len(as.mem)) {
		return linuxerr.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapLocked(ar)
	as.vmas = append(as.vmas, vma{ar, perms})
	sort.Slice(as.vmas, func(i, j int) bool {
		return as.vmas[i].ar.Start < as.vmas[j].ar.Start
	})
	return nil
}

// Unmap removes any mappings within ar.
func (as *AddressSpace) Unmap(ar AddrRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapLocked(ar)
}

func (as *AddressSpace) unmapLocked(ar AddrRange) {
	var keep []vma
	for _, v := range as.vmas {
		if v.ar.End <= ar.Start || v.ar.Start >= ar.End {
			keep = append(keep, v)
			continue
		}
		// Preserve the pieces of v outside ar.
		if v.ar.Start < ar.Start {
			keep = append(keep, vma{AddrRange{v.ar.Start, ar.Start}, v.perms})
		}
		if v.ar.End > ar.End {
			keep = append(keep, vma{AddrRange{ar.End, v.ar.End}, v.perms})
		}
	}
	as.vmas = keep
}

// CheckIORange implements IO.CheckIORange.
func (as *AddressSpace) CheckIORange(addr Addr, length int64, at AccessType) (AddrRange, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.checkIORangeLocked(addr, length, at, IOOpts{})
}

func (as *AddressSpace) checkIORangeLocked(addr Addr, length int64, at AccessType, opts IOOpts) (AddrRange, error) {
	ar, err := checkedRange(addr, length, uint64(len(as.mem)))
	if err != nil {
		return AddrRange{}, err
	}
	// Walk the vmas covering ar; every byte must be mapped with the
	// required permission, with no gap.
	next := ar.Start
	for _, v := range as.vmas {
		if next >= ar.End {
			break
		}
		if v.ar.End <= next {
			continue
		}
		if v.ar.Start > next {
			// Hole before the next vma.
			return AddrRange{}, linuxerr.EFAULT
		}
		if !opts.IgnorePermissions && !v.perms.SupersetOf(at) {
			return AddrRange{}, linuxerr.EFAULT
		}
		next = v.ar.End
	}
	if next < ar.End {
		return AddrRange{}, linuxerr.EFAULT
	}
	return ar, nil
}

// CopyOut implements IO.CopyOut.
func (as *AddressSpace) CopyOut(ctx context.Context, addr Addr, src []byte, opts IOOpts) (int, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ar, err := as.checkIORangeLocked(addr, int64(len(src)), Write, opts)
	if err != nil {
		return 0, err
	}
	return copy(as.mem[ar.Start:ar.End], src), nil
}

// CopyIn implements IO.CopyIn.
func (as *AddressSpace) CopyIn(ctx context.Context, addr Addr, dst []byte, opts IOOpts) (int, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	ar, err := as.checkIORangeLocked(addr, int64(len(dst)), Read, opts)
	if err != nil {
		return 0, err
	}
	return copy(dst, as.mem[ar.Start:ar.End]), nil
}
