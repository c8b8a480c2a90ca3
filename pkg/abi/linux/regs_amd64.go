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

package linux

// PtraceRegs mirrors struct user_regs_struct from <sys/user.h> on x86-64.
// Field order and size must match the kernel layout exactly: PTRACE_GETREGS
// copies this struct verbatim.
type PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// EFLAGS.TF, the trap (single-step) flag.
const EFLAGS_TF = 1 << 8

// LongModeSegmentBit is the bit of a long-mode (64-bit) code segment's
// access-rights word (as returned by LAR) that distinguishes it from a
// 32-bit compatibility-mode segment. See spec.md §3 invariant (d) and §9's
// is_long_mode_segment Open Question: this bit's position is fixed by the
// Linux GDT layout, not derived from the selector itself.
const LongModeSegmentBit = 21

// PtraceFPRegs mirrors struct user_fpregs_struct (the legacy FXSAVE layout)
// from <sys/user.h> on x86-64. It is 512 bytes, matching the FXSAVE area.
type PtraceFPRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [64]uint32
	Padding  [24]uint32
}

// XSaveHeaderSize is the size of the XSAVE header (the second 64-byte region
// of the XSAVE area, following the legacy FXSAVE area).
const XSaveHeaderSize = 64

// XSaveLegacyAreaSize is the size of the legacy (FXSAVE-compatible) region
// at the start of an XSAVE area.
const XSaveLegacyAreaSize = 512

// MinXStateSize is the smallest XSAVE area PTRACE_GETREGSET(NT_X86_XSTATE)
// will ever report: the legacy area plus the header, with no extended
// state components enabled.
const MinXStateSize = XSaveLegacyAreaSize + XSaveHeaderSize

// XSaveBVOffset is the offset of the XSTATE_BV bitmap within the XSAVE
// header, i.e. within the region immediately following the legacy area.
const XSaveBVOffset = XSaveLegacyAreaSize
