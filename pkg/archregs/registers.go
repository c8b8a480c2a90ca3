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

// Package archregs is the register & wait-status model (spec.md §2 item 1):
// typed snapshots of a tracee's general-purpose, floating-point and
// extended (XSAVE) register state, and the x86/x86-64 long-mode detection
// that derives a Task's Arch from its CS selector. Trimmed from gVisor's
// pkg/sentry/arch down to the call surface the ptrace control core needs —
// signal-frame construction and mmap layout selection belong to the
// syscall-emulation layer this module's spec.md §1 places out of scope.
package archregs

import linux "github.com/opentracee/rrcore/pkg/abi/linux"

// Arch identifies the execution mode a Task is currently running in.
type Arch int

const (
	X86 Arch = iota
	X64
)

func (a Arch) String() string {
	if a == X64 {
		return "x86-64"
	}
	return "x86"
}

// Registers wraps the general-purpose register snapshot read via
// PTRACE_GETREGS/PTRACE_GETREGSET(NT_PRSTATUS).
type Registers struct {
	linux.PtraceRegs
}

// IP returns the current instruction pointer.
func (r *Registers) IP() uintptr { return uintptr(r.Rip) }

// SetIP sets the instruction pointer.
func (r *Registers) SetIP(v uintptr) { r.Rip = uint64(v) }

// Stack returns the current stack pointer.
func (r *Registers) Stack() uintptr { return uintptr(r.Rsp) }

// SetStack sets the stack pointer.
func (r *Registers) SetStack(v uintptr) { r.Rsp = uint64(v) }

// SyscallNo returns the syscall number as last seen on syscall entry.
func (r *Registers) SyscallNo() uintptr { return uintptr(r.Orig_rax) }

// SetSyscallNo overwrites the syscall number (orig_rax), used by the
// orderly-shutdown exit-syscall trick (spec.md §4.5) and ptrace reflection.
func (r *Registers) SetSyscallNo(v uintptr) { r.Orig_rax = uint64(v) }

// Return returns the syscall return value register (rax).
func (r *Registers) Return() uintptr { return uintptr(r.Rax) }

// SetReturn sets rax.
func (r *Registers) SetReturn(v uintptr) { r.Rax = uint64(v) }

// SetArg1 sets the first syscall argument register (rdi), used to stage
// auto-remote-syscall invocations.
func (r *Registers) SetArg1(v uintptr) { r.Rdi = uint64(v) }

// SingleStepping reports whether EFLAGS.TF is set.
func (r *Registers) SingleStepping() bool { return r.Eflags&linux.EFLAGS_TF != 0 }

// SetSingleStep sets EFLAGS.TF.
func (r *Registers) SetSingleStep() { r.Eflags |= linux.EFLAGS_TF }

// ClearSingleStep clears EFLAGS.TF.
func (r *Registers) ClearSingleStep() { r.Eflags &^= linux.EFLAGS_TF }

// ArchFromCS derives the execution mode from the CS selector's long-mode
// bit, per spec.md §3 invariant (d) and §9's is_long_mode_segment note: it
// compares the selector value against Linux's 64-bit user code selector and
// executes no LAR, which is correct only because Linux's GDT entry
// numbering for the 64-bit code segment is fixed globally, not because the
// tracer inspects the tracee's GDT.
func ArchFromCS(cs uint64) Arch {
	if isLongModeSegment(uint16(cs)) {
		return X64
	}
	return X86
}

// FPRegisters wraps the legacy FXSAVE-format register snapshot read via
// PTRACE_GETFPREGS.
type FPRegisters struct {
	linux.PtraceFPRegs
}

// XSaveState wraps a raw PTRACE_GETREGSET(NT_X86_XSTATE) snapshot: the
// legacy FXSAVE area followed by the XSAVE header and any enabled extended
// state components. Its length varies with the host's XCR0, so it's kept
// as an opaque byte slice rather than a fixed struct.
type XSaveState struct {
	Data []byte
}

// FeatureBV returns the XSTATE_BV bitmap recorded in the XSAVE header,
// or 0 if the snapshot is too short to contain one.
func (x *XSaveState) FeatureBV() uint64 {
	if len(x.Data) < linux.XSaveBVOffset+8 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(x.Data[linux.XSaveBVOffset+i])
	}
	return v
}
