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

// Commands from linux/fcntl.h.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_GETLK         = 5
	F_SETLK         = 6
	F_SETLKW        = 7
	F_DUPFD_CLOEXEC = 1030
)

// Flags for fcntl.
const (
	FD_CLOEXEC = 00000001
)

// Lock types for fcntl(2) advisory record locks, from linux/fcntl.h.
const (
	F_RDLCK = 0
	F_WRLCK = 1
	F_UNLCK = 2
)

// Flock is the lock request passed by pointer to F_GETLK, F_SETLK and
// F_SETLKW, struct flock in linux/fcntl.h. The blank fields are the
// padding that the 64-bit wire layout carries.
type Flock struct {
	Type   int16
	Whence int16
	_      [4]byte
	Start  int64
	Len    int64
	PID    int32
	_      [4]byte
}

// SizeBytes returns the size of the wire representation of f.
func (*Flock) SizeBytes() int {
	return 32
}
