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

	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/hostarch"
)

func TestNewTicksRequestBounds(t *testing.T) {
	req := NewTicksRequest(1)
	if req.Kind != ResumeWithTicksRequest || req.Budget != 1 {
		t.Fatalf("NewTicksRequest(1) = %+v", req)
	}
	req = NewTicksRequest(MaxTicksRequest)
	if req.Budget != MaxTicksRequest {
		t.Fatalf("NewTicksRequest(MaxTicksRequest) = %+v", req)
	}
}

func TestNewTicksRequestRejectsZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewTicksRequest(0) did not fail fatally")
		}
	}()
	NewTicksRequest(0)
}

func TestNewTicksRequestRejectsOverMax(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewTicksRequest(MaxTicksRequest+1) did not fail fatally")
		}
	}()
	NewTicksRequest(MaxTicksRequest + 1)
}

// TestResumeExecutionRoundTrip exercises the plain cont/wait path: flush
// dirty registers, issue PTRACE_CONT, observe a StopSig(SIGTRAP), and read
// registers back.
func TestResumeExecutionRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(200, backend, w)

	task.regs.SetIP(0x401000)
	task.MarkRegistersDirty()
	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})

	if err := task.ResumeExecution(ResumeCont, ResumeWait, TicksRequest{Kind: ResumeNoTicks}, 0); err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	if !task.IsStopped() {
		t.Fatal("task not stopped after wait")
	}
	if task.RegistersDirty() {
		t.Fatal("registers still dirty after a stop")
	}
	if len(backend.resumeLog) != 1 || backend.resumeLog[0].how != "cont" {
		t.Fatalf("resumeLog = %+v, want one cont", backend.resumeLog)
	}
}

// TestResumeExecutionRejectsNotStopped enforces resume_execution's
// precondition (spec.md §4.2: "Preconditions: is_stopped").
func TestResumeExecutionRejectsNotStopped(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(201, backend, w)
	task.isStopped = false

	defer func() {
		if recover() == nil {
			t.Fatal("ResumeExecution on a running task did not fail fatally")
		}
	}()
	task.ResumeExecution(ResumeCont, ResumeWait, TicksRequest{Kind: ResumeNoTicks}, 0)
}

// TestResumeExecutionKNLStringStepRestoresRcx covers scenario S3 (spec.md
// §8): on a CPU affected by the Knights Landing string-singlestep erratum,
// resume_execution clamps Rcx to 16 before single-stepping a REP-prefixed
// string instruction and, once the stop comes back, restores Rcx to
// orig - 16 + new (the post-singlestep value the kernel produced).
func TestResumeExecutionKNLStringStepRestoresRcx(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(202, backend, w)
	task.quirks = &fakeCPUQuirks{knl: true}

	const ip = hostarch.Addr(0x402000)
	local := make([]byte, hostarch.PageSize)
	task.vm.maps = []mapping{{
		start: hostarch.PageRoundDown(ip),
		end:   hostarch.PageRoundDown(ip) + hostarch.PageSize,
		prot:  unix.PROT_READ | unix.PROT_EXEC,
		local: local,
	}}
	// REP MOVSB at the resume address.
	off := int(ip - hostarch.PageRoundDown(ip))
	local[off] = 0xF3
	local[off+1] = 0xA4

	task.regs.SetIP(uintptr(ip))
	task.regs.Rcx = 20
	const origCX = 20

	if err := task.ResumeExecution(ResumeSinglestep, ResumeNonblocking, TicksRequest{Kind: ResumeNoTicks}, 0); err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	if task.lastResumeOrigCX != origCX {
		t.Fatalf("lastResumeOrigCX = %d, want %d", task.lastResumeOrigCX, origCX)
	}
	if got := backend.regsFor(task.tid).Rcx; got != 16 {
		t.Fatalf("flushed Rcx = %d, want 16 (clamped)", got)
	}

	// Simulate the kernel having decremented Rcx while executing some of
	// the string instruction's iterations before the singlestep trapped.
	const newCX = 12
	backend.regsFor(task.tid).Rcx = newCX

	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})
	if err := task.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if want := origCX - 16 + newCX; task.regs.Rcx != want {
		t.Fatalf("restored Rcx = %d, want %d (orig - 16 + new)", task.regs.Rcx, want)
	}
	if task.lastResumeOrigCX != 0 {
		t.Fatalf("lastResumeOrigCX not cleared after restore: %d", task.lastResumeOrigCX)
	}
}

// TestScrubPushedTFClearsFlag covers scenario S4 (spec.md §8): single
// stepping a PUSHF/PUSHFQ must not leak TF onto the tracee's own stack.
func TestScrubPushedTFClearsFlag(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(202, backend, w)

	local := make([]byte, 4096)
	task.vm.maps = []mapping{{
		start: hostarch.Addr(0x7f0000),
		end:   hostarch.Addr(0x7f1000),
		prot:  unix.PROT_READ | unix.PROT_WRITE,
		local: local,
	}}
	sp := hostarch.Addr(0x7f0100)
	task.regs.SetStack(uintptr(sp))

	var pushedFlags uint64 = 0x346 // arbitrary EFLAGS value with TF (0x100) set
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(pushedFlags >> (8 * i))
	}
	copy(local[0x100:], buf)

	task.singlesteppingInstruction = archregs.Pushf
	task.scrubPushedTF()

	got := local[0x100 : 0x100+8]
	var gotVal uint64
	for i := 7; i >= 0; i-- {
		gotVal = gotVal<<8 | uint64(got[i])
	}
	if gotVal&0x100 != 0 {
		t.Fatalf("TF bit not scrubbed: %#x", gotVal)
	}
	if gotVal&^0x100 != pushedFlags&^0x100 {
		t.Fatalf("scrub touched unrelated bits: got %#x, want %#x", gotVal, pushedFlags&^0x100)
	}
}

// TestDidWaitpidAssertsDirtyRegistersOutsideExit covers spec.md invariant
// (b): registers_dirty implies a non-exit resume hasn't happened yet.
func TestDidWaitpidAssertsDirtyRegistersOutsideExit(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(203, backend, w)
	task.registersDirty = true

	defer func() {
		if recover() == nil {
			t.Fatal("DidWaitpid did not fail fatally on registers_dirty at a non-exit stop")
		}
	}()
	task.DidWaitpid(WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})
}
