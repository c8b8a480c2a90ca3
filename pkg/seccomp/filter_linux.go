// Copyright 2018 The gVisor Authors.
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

//go:build linux
// +build linux

package seccomp

import (
	"unsafe"

	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
)

// sockFprog mirrors struct sock_fprog from <linux/filter.h>.
type sockFprog struct {
	Len    uint16
	_      [6]byte // padding to match the kernel's alignment of the pointer
	Filter *linux.BPFInstruction
}

// SetFilterInChild installs instrs as this thread's (and its descendants')
// seccomp filter. It first sets PR_SET_NO_NEW_PRIVS on the calling thread
// itself, then installs the filter; both apply to whichever thread calls it.
//
//go:norace
func SetFilterInChild(instrs []linux.BPFInstruction) unix.Errno {
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return errno
	}
	prog := sockFprog{
		Len:    uint16(len(instrs)),
		Filter: &instrs[0],
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&prog))); errno != 0 {
		return errno
	}
	return 0
}
