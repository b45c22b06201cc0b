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
)

// BytesIO implements IO using a byte slice. Addresses are interpreted as
// offsets into the slice. The whole slice is considered mapped
// read/write; BytesIO performs bounds checking only.
type BytesIO struct {
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr Addr, src []byte, opts IOOpts) (int, error) {
	ar, err := b.CheckIORange(addr, int64(len(src)), Write)
	if err != nil {
		return 0, err
	}
	return copy(b.Bytes[ar.Start:ar.End], src), nil
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr Addr, dst []byte, opts IOOpts) (int, error) {
	ar, err := b.CheckIORange(addr, int64(len(dst)), Read)
	if err != nil {
		return 0, err
	}
	return copy(dst, b.Bytes[ar.Start:ar.End]), nil
}

// CheckIORange implements IO.CheckIORange.
func (b *BytesIO) CheckIORange(addr Addr, length int64, at AccessType) (AddrRange, error) {
	return checkedRange(addr, length, uint64(len(b.Bytes)))
}
