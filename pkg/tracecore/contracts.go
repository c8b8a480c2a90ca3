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

// Package tracecore is the tracee control core of a record-and-replay
// debugger: it drives traced processes under ptrace, reads and writes their
// registers and memory, resumes and stops them with precise control over
// single-step, watchpoint and breakpoint semantics, reconstructs the causes
// of synchronous stops, and clones tracee state on clone/fork/exec.
//
// External collaborators (trace-file I/O, the recording scheduler, the
// gdb-remote stub, replay-time dispatch, the syscall-buffer/preload
// library, the mapping database beyond what's exposed here) are consumed
// only through the interfaces declared in this file.
package tracecore

import (
	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/hostarch"
)

// ptraceBackend is every ptrace-shaped operation Task performs on a tid.
// The real implementation (thread_linux.go) issues the actual syscalls;
// tests substitute fakeBackend so that the state machine in task.go,
// memory.go, trapreason.go and clone.go can be exercised without a kernel.
type ptraceBackend interface {
	Attach(tid int32) error
	Detach(tid int32, sig unix.Signal) error
	Seize(tid int32, options int32) error
	SetOptions(tid int32, options int32) error
	Interrupt(tid int32) error

	Cont(tid int32, sig unix.Signal) error
	SingleStep(tid int32, sig unix.Signal) error
	Sysemu(tid int32, sig unix.Signal) error
	SysemuSingleStep(tid int32, sig unix.Signal) error

	GetRegs(tid int32, regs *archregs.Registers) error
	SetRegs(tid int32, regs *archregs.Registers) error
	GetFPRegs(tid int32, regs *archregs.FPRegisters) error
	SetFPRegs(tid int32, regs *archregs.FPRegisters) error
	GetRegSet(tid int32, which uintptr, maxlen int) ([]byte, error)
	SetRegSet(tid int32, which uintptr, data []byte) error

	PeekUser(tid int32, addr uintptr) (uintptr, error)
	PokeUser(tid int32, addr, data uintptr) error

	GetSigInfo(tid int32) (*unix.Siginfo, error)
	GetEventMsg(tid int32) (uintptr, error)

	ArchPrctl(tid int32, code int, addr uintptr) error
}

// waiter is the waitpid/wait4 surface Task and Session use. Split out of
// ptraceBackend because it is called with the tgid/pid, not necessarily a
// tid already known to be a Task.
type waiter interface {
	Wait(pid int32, opts int) (WaitStatus, int32, error)
}

// TicksSource is the performance-counter abstraction consumed by
// resume_execution/did_waitpid (spec.md §4.2 steps 1 and 5). The hardware
// performance-counter implementation itself is out of scope (spec.md §1);
// the core only needs to arm, read and stop a budgeted counter.
type TicksSource interface {
	// Reset arms the counter for budget ticks; budget == 0 means an
	// unlimited budget (counter still running, no overflow signal armed).
	Reset(budget uint64) error
	// Stop disables the counter, returning the number of ticks retired
	// since the last Reset.
	Stop() (uint64, error)
	// InterruptFD returns the file descriptor the counter raises
	// TIME_SLICE_SIGNAL through, for pending_siginfo synthesis
	// (spec.md §4.2 step 1).
	InterruptFD() int
}

// SchedulerHooks is the subset of the (out-of-scope) recording scheduler
// that the core calls into directly, per spec.md §6.
type SchedulerHooks interface {
	// EndTimeslice is called when a PTRACE_INTERRUPT-induced group-stop is
	// observed (spec.md §4.2 step 1) so the scheduler can switch tasks.
	EndTimeslice()
}

// AddressSpaceContract is the subset of AddressSpace's public surface that
// Task depends on, named in spec.md §6. The concrete *AddressSpace in this
// package implements it; it is declared as an interface so that memory.go,
// clone.go and trapreason.go depend on behavior, not layout.
type AddressSpaceContract interface {
	MemFD() int
	SetMemFD(fd int)
	LocalMapping(addr hostarch.Addr, n int) ([]byte, bool)
	ProtectionAt(addr hostarch.Addr) (prot int, shared bool, ok bool)
	SetProtectionAt(addr hostarch.Addr, prot int)
	AddBreakpoint(t *Task, ip hostarch.Addr, kind BreakpointKind)
	RemoveBreakpoint(ip hostarch.Addr, kind BreakpointKind, t *Task)
	IsBreakpointInstruction(t *Task, ip hostarch.Addr) bool
	GetBreakpointTypeAt(ip hostarch.Addr) BreakpointKind
	NotifyWatchpointFired(status WaitStatus, addr *hostarch.Addr)
	HasAnyWatchpointChanges() bool
	HasExecWatchpointFired(ip hostarch.Addr) bool
	PrivilegedTracedSyscallIP() hostarch.Addr
	PostExecSyscall()
	DidForkInto(t *Task)
	PostVMClone(reason CloneReason, flags uintptr, cloneThis *Task)
	AtPreloadInit(t *Task)
	Map(addr hostarch.Addr, length uint64, prot int, shared bool)
	Unmap(addr hostarch.Addr, length uint64)
	Protect(addr hostarch.Addr, length uint64, prot int)
	Advise(addr hostarch.Addr, length uint64, advice int)
	ShmSize(id int64) (uint64, bool)
	RemoveShmSize(id int64)
	NotifyWritten(addr hostarch.Addr, length uint64)
	Tasks() []*Task
	UID() AddressSpaceUID
}

// ThreadGroupContract is the subset of ThreadGroup's public surface named
// in spec.md §6.
type ThreadGroupContract interface {
	Destabilize()
	RealTGID() int32
	Tasks() []*Task
	UID() ThreadGroupUID
}

// FdTableContract is the subset of FdTable's public surface named in
// spec.md §6.
type FdTableContract interface {
	DidDup(from, to int32)
	DidClose(fd int32)
	DidWrite(fd int32, ranges []ByteRange, offset int64)
	CloneInto(dst *FdTable)
	InitSyscallbufFDsDisabled()
}

// ByteRange is a half-open [Start, End) byte range, used by
// FdTableContract.DidWrite to report which bytes of a file a write touched.
type ByteRange struct {
	Start, End uint64
}

// BreakpointKind distinguishes the reason a breakpoint was installed, as
// surfaced by GetBreakpointTypeAt.
type BreakpointKind int

const (
	// BreakpointNone means no breakpoint at the queried address.
	BreakpointNone BreakpointKind = iota
	// BreakpointInternal is installed by the core itself (e.g. the
	// post-CPUID breakpoint, spec.md §4.2 step 3), invisible to the
	// debugged program.
	BreakpointInternal
	// BreakpointUser is installed on behalf of a debugger client.
	BreakpointUser
)

// Ptrace request numbers re-exported for callers outside this package that
// need to recognize the requests Task::ReflectPtrace handles.
const (
	ReflectSetRegs    = linux.PTRACE_SETREGS
	ReflectSetFPRegs  = linux.PTRACE_SETFPREGS
	ReflectSetFPXRegs = linux.PTRACE_SETFPXREGS
	ReflectSetRegSet  = linux.PTRACE_SETREGSET
	ReflectPokeUser   = linux.PTRACE_POKEUSER
	ReflectArchPrctl  = linux.PTRACE_ARCH_PRCTL
)
