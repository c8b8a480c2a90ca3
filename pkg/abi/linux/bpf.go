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

// BPFAction is a seccomp-BPF SECCOMP_RET_* return value.
type BPFAction uint32

// Seccomp filter return actions, from <linux/seccomp.h>.
const (
	SECCOMP_RET_KILL_THREAD BPFAction = 0x00000000
	SECCOMP_RET_KILL_PROCESS BPFAction = 0x80000000
	SECCOMP_RET_TRAP        BPFAction = 0x00030000
	SECCOMP_RET_ERRNO       BPFAction = 0x00050000
	SECCOMP_RET_TRACE       BPFAction = 0x7ff00000
	SECCOMP_RET_ALLOW       BPFAction = 0x7fff0000
)

// BPFInstruction mirrors struct sock_filter, a single classic-BPF
// instruction as consumed by PR_SET_SECCOMP / SO_ATTACH_FILTER.
type BPFInstruction struct {
	OpCode   uint16
	JumpIfTrue  uint8
	JumpIfFalse uint8
	K        uint32
}

// SeccompData mirrors struct seccomp_data: the input BPF programs for
// SECCOMP_MODE_FILTER operate on.
type SeccompData struct {
	// Nr is the syscall number.
	Nr int32
	// Arch is an AUDIT_ARCH_* value.
	Arch uint32
	// InstructionPointer is the address of the syscall instruction.
	InstructionPointer uint64
	// Args holds the syscall's six arguments, zero-extended to 64 bits.
	Args [6]uint64
}

// AUDIT_ARCH_X86_64 identifies the x86-64 syscall ABI to seccomp.
const AUDIT_ARCH_X86_64 = 0xc000003e
