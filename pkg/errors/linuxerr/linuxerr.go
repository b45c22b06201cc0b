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

// Package linuxerr contains syscall error codes exported as error
// interface pointers. This allows for fast comparison and return
// operations comparable to unix.Errno constants: errors returned by the
// fd table, the lock manager and the fcntl dispatcher are always one of
// the values below, and callers compare them by identity.
package linuxerr

import (
	"golang.org/x/sys/unix"

	"enclaveos.dev/enclaveos/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable to unix.Errno; use
// the Errno method or Equals below to bridge.
var (
	EINTR     = errors.New(unix.EINTR, "interrupted system call")
	EBADF     = errors.New(unix.EBADF, "bad file number")
	EAGAIN    = errors.New(unix.EAGAIN, "try again")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	EMFILE    = errors.New(unix.EMFILE, "too many open files")
	EOVERFLOW = errors.New(unix.EOVERFLOW, "value too large for defined data type")
)

// Equals compares a linuxerr to a given error, true when the given error
// is the same *errors.Error value or a unix.Errno with the same number.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	if err == error(e) {
		return true
	}
	if errno, ok := err.(unix.Errno); ok {
		return e.Errno() == errno
	}
	if other, ok := err.(*errors.Error); ok {
		return e.Errno() == other.Errno()
	}
	return false
}
