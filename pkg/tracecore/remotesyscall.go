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

package tracecore

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/hostarch"
)

// RemoteSyscalls is a scoped borrow of a stopped Task's execution context
// to drive it through one or more syscalls the tracer chooses, without
// disturbing the register state the debugged program will resume with
// (spec.md §5 "Suspension points": "auto-remote-syscall invocations ...
// drive the tracee through one syscall and wait for the ensuing stop").
//
// Construct via Task.BorrowRemoteSyscalls; callers must call Release
// exactly once, typically via defer.
type RemoteSyscalls struct {
	t         *Task
	savedRegs [27]uint64 // a snapshot of every GP register field, restored on Release
	released  bool
}

// BorrowRemoteSyscalls snapshots t's current registers and returns a handle
// for issuing remote syscalls. t must be stopped, and must have a
// PrivilegedTracedSyscallIP in its AddressSpace: a page the tracer controls
// containing a bare `syscall; int3` sequence, so that after the kernel
// completes the syscall, the tracee immediately re-traps under our control.
func (t *Task) BorrowRemoteSyscalls() (*RemoteSyscalls, error) {
	t.assertStopped("BorrowRemoteSyscalls")
	if t.vm == nil {
		return nil, fmt.Errorf("task %d: no AddressSpace for remote syscall", t.tid)
	}
	if t.registersDirty {
		if err := t.backend.SetRegs(t.tid, &t.regs); err != nil {
			return nil, fmt.Errorf("flushing registers before remote syscall: %w", err)
		}
		t.registersDirty = false
	}
	rs := &RemoteSyscalls{t: t}
	copy(rs.savedRegs[:], regsFieldValues(&t.regs))
	return rs, nil
}

// Syscall drives t through one syscall with the given number and up to six
// arguments (zero-padded), returning its result register (rax) or an error.
func (rs *RemoteSyscalls) Syscall(nr uintptr, args ...uintptr) (uintptr, error) {
	if rs.released {
		return 0, fmt.Errorf("remote syscall on a released borrow")
	}
	t := rs.t
	var a [6]uintptr
	copy(a[:], args)

	t.regs.SetSyscallNo(nr)
	t.regs.Rax = uint64(nr)
	t.regs.Rdi = uint64(a[0])
	t.regs.Rsi = uint64(a[1])
	t.regs.Rdx = uint64(a[2])
	t.regs.R10 = uint64(a[3])
	t.regs.R8 = uint64(a[4])
	t.regs.R9 = uint64(a[5])
	t.regs.SetIP(uintptr(t.vm.PrivilegedTracedSyscallIP()))
	t.registersDirty = true

	if err := t.ResumeExecution(ResumeCont, ResumeWait, TicksRequest{Kind: ResumeNoTicks}, 0); err != nil {
		return 0, fmt.Errorf("resuming for remote syscall %d: %w", nr, err)
	}
	if t.waitStatus.Kind != PtraceEvent && t.waitStatus.Kind != SyscallStop && t.waitStatus.Kind != StopSig {
		return 0, fmt.Errorf("remote syscall %d: unexpected stop %s", nr, t.waitStatus.Kind)
	}
	ret := t.regs.Return()
	if int64(ret) < 0 && int64(ret) > -4096 {
		return ret, unix.Errno(-int64(ret))
	}
	if t.session != nil {
		t.session.accumulateSyscall()
	}
	return ret, nil
}

// PushBytes writes buf onto the tracee's stack (below the current rsp,
// which Release does not restore the contents of — only the pointer),
// returning the address it was written at. Used to stage string arguments
// such as the open-mem-fd dance's literal path (spec.md §4.1).
func (rs *RemoteSyscalls) PushBytes(buf []byte) (hostarch.Addr, error) {
	t := rs.t
	sp := hostarch.Addr(t.regs.Stack()) - hostarch.Addr(len(buf))
	sp = hostarch.Addr(uintptr(sp) &^ 0xf) // keep a conservative 16-byte alignment
	if err := t.WriteBytesHelper(sp, buf, WriteNormal); err != nil {
		return 0, err
	}
	t.regs.SetStack(uintptr(sp))
	t.registersDirty = true
	return sp, nil
}

// Release restores the Task's registers to their state at
// BorrowRemoteSyscalls time and marks them dirty for the next real resume.
func (rs *RemoteSyscalls) Release() {
	if rs.released {
		return
	}
	rs.released = true
	t := rs.t
	restoreRegsFieldValues(&t.regs, rs.savedRegs[:])
	t.registersDirty = true
}

// regsFieldValues and restoreRegsFieldValues give RemoteSyscalls a cheap
// save/restore without depending on regcodec.go's POKEUSER-oriented
// pointer list being stable in format (a plain copy of the struct would do
// equally well; this mirrors it for a single source of field ordering
// truth).
func regsFieldValues(r *archregs.Registers) []uint64 {
	ptrs := regsFieldPointers(r)
	out := make([]uint64, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out
}

func restoreRegsFieldValues(r *archregs.Registers, saved []uint64) {
	ptrs := regsFieldPointers(r)
	for i, p := range ptrs {
		if i < len(saved) {
			*p = saved[i]
		}
	}
}
