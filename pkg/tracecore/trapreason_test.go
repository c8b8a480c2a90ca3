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
	"testing"

	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/hostarch"
)

// TestClassifyTrapPlainSinglestep covers an ordinary single-step trap: DR6.BS
// set, no watchpoints, no breakpoint at the resume address.
func TestClassifyTrapPlainSinglestep(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(300, backend, w)

	backend.dr6[task.tid] = linux.DR6_BS
	task.howLastExecutionResumed = ResumeSinglestep
	task.addressOfLastExecutionResume = hostarch.Addr(0x1000)
	task.regs.SetIP(0x1001)
	task.singlesteppingInstruction = archregs.NotTrapped

	reason, err := task.ClassifyTrap()
	if err != nil {
		t.Fatalf("ClassifyTrap: %v", err)
	}
	if !reason.Singlestep || reason.Watchpoint || reason.Breakpoint {
		t.Fatalf("reason = %+v, want Singlestep-only", reason)
	}
}

// TestClassifyTrapBreakpointViaINT3 covers scenario S2's counterpart: a
// plain (non-singlestep, non-watchpoint) SIGTRAP whose siginfo.si_code is
// SI_KERNEL and whose IP-1 holds a tracer-installed INT3.
func TestClassifyTrapBreakpointViaINT3(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(301, backend, w)

	local := make([]byte, 4096)
	task.vm.maps = []mapping{{start: 0, end: 4096, local: local}}
	bpAddr := hostarch.Addr(0x20)
	task.vm.AddBreakpoint(task, bpAddr, BreakpointUser)

	task.howLastExecutionResumed = ResumeCont
	task.regs.SetIP(uintptr(bpAddr) + 1)
	task.pendingSiginfo = &unix.Siginfo{Code: int32(linux.SI_KERNEL)}

	reason, err := task.ClassifyTrap()
	if err != nil {
		t.Fatalf("ClassifyTrap: %v", err)
	}
	if reason.Singlestep || reason.Watchpoint || !reason.Breakpoint {
		t.Fatalf("reason = %+v, want Breakpoint-only", reason)
	}
}

// TestClassifyTrapCPUIDSinglestepNotBreakpoint covers the special case
// spec.md §4.3 calls out: landing one instruction past a CPUID resume
// address is a Singlestep, not a Breakpoint (did_waitpid has already
// removed the transient post-CPUID breakpoint by the time classification
// runs, so none is installed here).
func TestClassifyTrapCPUIDSinglestepNotBreakpoint(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(302, backend, w)

	task.howLastExecutionResumed = ResumeSinglestep
	task.addressOfLastExecutionResume = hostarch.Addr(0x3000)
	task.singlesteppingInstruction = archregs.CpuId
	task.regs.SetIP(0x3002) // CPUID is 2 bytes

	reason, err := task.ClassifyTrap()
	if err != nil {
		t.Fatalf("ClassifyTrap: %v", err)
	}
	if !reason.Singlestep || reason.Breakpoint {
		t.Fatalf("reason = %+v, want Singlestep, not Breakpoint", reason)
	}
}
