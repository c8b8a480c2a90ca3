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

// Package linux holds the subset of Linux ABI constants and structure
// layouts the tracee core needs: ptrace requests and events, the amd64
// register sets, wait-status bits and seccomp-BPF primitives.
package linux

// Ptrace requests, from <linux/ptrace.h>.
const (
	PTRACE_TRACEME     = 0
	PTRACE_PEEKTEXT     = 1
	PTRACE_PEEKDATA     = 2
	PTRACE_POKETEXT     = 4
	PTRACE_POKEDATA     = 5
	PTRACE_CONT         = 7
	PTRACE_KILL         = 8
	PTRACE_SINGLESTEP   = 9
	PTRACE_GETREGS      = 12
	PTRACE_SETREGS      = 13
	PTRACE_GETFPREGS    = 14
	PTRACE_SETFPREGS    = 15
	PTRACE_ATTACH       = 16
	PTRACE_DETACH       = 17
	PTRACE_GETFPXREGS   = 18
	PTRACE_SETFPXREGS   = 19
	PTRACE_SYSCALL      = 24
	PTRACE_SETOPTIONS   = 0x4200
	PTRACE_GETEVENTMSG  = 0x4201
	PTRACE_GETSIGINFO   = 0x4202
	PTRACE_SETSIGINFO   = 0x4203
	PTRACE_GETREGSET    = 0x4204
	PTRACE_SETREGSET    = 0x4205
	PTRACE_SEIZE        = 0x4206
	PTRACE_INTERRUPT    = 0x4207
	PTRACE_LISTEN       = 0x4208
	PTRACE_PEEKUSER     = 3
	PTRACE_POKEUSER     = 6
	PTRACE_SYSEMU       = 31
	PTRACE_SYSEMU_SINGLESTEP = 32
	PTRACE_ARCH_PRCTL   = 30
)

// Ptrace options (PTRACE_SETOPTIONS).
const (
	PTRACE_O_TRACESYSGOOD = 1 << 0
	PTRACE_O_TRACEEXEC    = 1 << 4
	PTRACE_O_TRACEEXIT    = 1 << 6
	PTRACE_O_EXITKILL     = 1 << 20
	PTRACE_O_SUSPEND_SECCOMP = 1 << 21
)

// Ptrace events, decoded out of the high 8 bits of a SIGTRAP wait status
// (status>>8 == (SIGTRAP | (event<<8))).
const (
	PTRACE_EVENT_FORK       = 1
	PTRACE_EVENT_VFORK      = 2
	PTRACE_EVENT_CLONE      = 3
	PTRACE_EVENT_EXEC       = 4
	PTRACE_EVENT_VFORK_DONE = 5
	PTRACE_EVENT_EXIT       = 6
	PTRACE_EVENT_SECCOMP    = 7
)

// NT_* regset types, used with PTRACE_GETREGSET/SETREGSET.
const (
	NT_PRSTATUS   = 1
	NT_FPREGSET   = 2
	NT_X86_XSTATE = 0x202
)

// ARCH_PRCTL codes.
const (
	ARCH_SET_GS     = 0x1001
	ARCH_SET_FS     = 0x1002
	ARCH_GET_FS     = 0x1003
	ARCH_GET_GS     = 0x1004
	ARCH_SET_CPUID  = 0x1012
	ARCH_GET_CPUID  = 0x1011
)

// Debug status register bits (DR6), read via PEEKUSER at u_debugreg[6].
const (
	DR6_B0 = 1 << 0
	DR6_B1 = 1 << 1
	DR6_B2 = 1 << 2
	DR6_B3 = 1 << 3
	// DR6_BS is the single-step flag: set whenever the CPU completes a
	// single-stepped instruction, regardless of whether a watchpoint also
	// fired on the same instruction.
	DR6_BS = 1 << 14

	// DR6_WATCHPOINT_MASK covers the four hardware breakpoint/watchpoint
	// trigger bits (B0-B3).
	DR6_WATCHPOINT_MASK = DR6_B0 | DR6_B1 | DR6_B2 | DR6_B3
)

// Offsets into struct user (x86-64), used with PTRACE_PEEKUSER/POKEUSER.
// u_debugreg[i] lives at offsetof(struct user, u_debugreg[i]).
const (
	UserRegsOffset     = 0
	UserDebugRegOffset = 848 // offsetof(struct user, u_debugreg) on x86-64
)

// DebugRegOffset returns the PEEKUSER/POKEUSER offset of u_debugreg[i].
func DebugRegOffset(i int) uintptr {
	return uintptr(UserDebugRegOffset + 8*i)
}

// si_code values relevant to SIGTRAP classification.
const (
	TRAP_BRKPT = 1 // process breakpoint (INT3)
	TRAP_TRACE = 2 // process trace trap (single-step)
	SI_KERNEL  = 0x80
)

// PollIN mirrors POLL_IN, used to populate a synthesized TIME_SLICE_SIGNAL
// siginfo after a PTRACE_INTERRUPT-induced group-stop.
const PollIN = 1
