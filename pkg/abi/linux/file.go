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

// Constants for open(2).
const (
	O_ACCMODE  = 000000003
	O_RDONLY   = 000000000
	O_WRONLY   = 000000001
	O_RDWR     = 000000002
	O_APPEND   = 000002000
	O_NONBLOCK = 000004000
	O_ASYNC    = 000020000
	O_DIRECT   = 000040000
	O_NOATIME  = 001000000
	O_CLOEXEC  = 002000000
)

// Constants for lseek(2) and the Whence field of struct flock.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)
