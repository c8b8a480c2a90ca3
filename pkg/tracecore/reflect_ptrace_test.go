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
	"encoding/binary"
	"testing"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
)

// TestReflectSetRegsInstallsSnapshot covers spec.md §4.6's PTRACE_SETREGS
// mirroring: the raw bytes the recorded program supplied become the cached
// register snapshot, with no ptrace syscall against the real kernel.
func TestReflectSetRegsInstallsSnapshot(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(700, backend, w)
	task.registersDirty = true

	raw := make([]byte, unsafeSizeofPtraceRegs)
	const ripField = 16 // index of Rip in regsFieldPointers order
	binary.LittleEndian.PutUint64(raw[ripField*8:], 0xdeadbeef)

	if err := task.ReflectPtrace(linux.PTRACE_SETREGS, 0, raw); err != nil {
		t.Fatalf("ReflectPtrace(SETREGS): %v", err)
	}
	if task.regs.IP() != 0xdeadbeef {
		t.Fatalf("IP() = %#x, want 0xdeadbeef", task.regs.IP())
	}
	if task.RegistersDirty() {
		t.Fatal("registers still dirty after a reflected SETREGS")
	}
	if len(backend.resumeLog) != 0 {
		t.Fatal("ReflectPtrace(SETREGS) must not touch the real kernel thread")
	}
}

// TestReflectPokeUserGPRegister covers the general-purpose-register branch
// of PTRACE_POKEUSER reflection.
func TestReflectPokeUserGPRegister(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(701, backend, w)

	const ripField = 16
	offset := linux.UserRegsOffset + uintptr(ripField)*8
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x1000)

	if err := task.ReflectPtrace(linux.PTRACE_POKEUSER, uintptr(offset), data); err != nil {
		t.Fatalf("ReflectPtrace(POKEUSER): %v", err)
	}
	if task.regs.IP() != 0x1000 {
		t.Fatalf("IP() = %#x, want 0x1000", task.regs.IP())
	}
}

// TestReflectPokeUserDebugRegisterIsAcknowledged confirms a debug-register
// POKEUSER reflection succeeds without mutating the GP register snapshot
// (debug-register state lives in AddressSpace, not Task, per this model).
func TestReflectPokeUserDebugRegisterIsAcknowledged(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(702, backend, w)
	before := task.regs

	offset := linux.UserDebugRegOffset
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0xff)

	if err := task.ReflectPtrace(linux.PTRACE_POKEUSER, uintptr(offset), data); err != nil {
		t.Fatalf("ReflectPtrace(POKEUSER debug reg): %v", err)
	}
	if task.regs != before {
		t.Fatal("debug-register POKEUSER mutated the GP register snapshot")
	}
}

// TestReflectArchPrctlSetFS covers the ordinary (non-zero-base) ARCH_SET_FS
// reflection path.
func TestReflectArchPrctlSetFS(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(703, backend, w)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x7f0000)
	if err := task.ReflectPtrace(linux.PTRACE_ARCH_PRCTL, linux.ARCH_SET_FS, data); err != nil {
		t.Fatalf("ReflectPtrace(ARCH_PRCTL): %v", err)
	}
	if task.regs.Fs_base != 0x7f0000 {
		t.Fatalf("Fs_base = %#x, want 0x7f0000", task.regs.Fs_base)
	}
}
