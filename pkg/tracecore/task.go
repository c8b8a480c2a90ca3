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

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/cpuid"
	"github.com/opentracee/rrcore/pkg/hostarch"
	"github.com/opentracee/rrcore/internal/tlog"
)

// cpuQuirks abstracts the host-CPU errata resume_execution checks for
// (spec.md §4.2 step 2, §8 scenario S3), the way ptraceBackend/waiter/
// TicksSource abstract the rest of this package's kernel-facing surface
// (contracts.go) — no real test machine is a Knights Landing part, so a
// fake implementation is what exercises the rcx fudge-and-restore path.
type cpuQuirks interface {
	// HasKNLStringStepBug reports the Knights Landing/Mill erratum that
	// coalesces multiple iterations of a single-stepped x86 string
	// instruction.
	HasKNLStringStepBug() bool
}

// realCPUQuirks probes the actual host CPU via pkg/cpuid.
type realCPUQuirks struct{}

func (realCPUQuirks) HasKNLStringStepBug() bool { return cpuid.HasKNLStringStepBug() }

// ResumeKind selects the ptrace request resume_execution issues.
type ResumeKind int

const (
	ResumeCont ResumeKind = iota
	ResumeSinglestep
	ResumeSysemu
	ResumeSysemuSinglestep
)

func (k ResumeKind) isSinglestep() bool {
	return k == ResumeSinglestep || k == ResumeSysemuSinglestep
}

// WaitMode controls whether resume_execution blocks for the ensuing stop.
type WaitMode int

const (
	ResumeWait WaitMode = iota
	ResumeNonblocking
)

// TicksRequestKind discriminates a TicksRequest.
type TicksRequestKind int

const (
	ResumeNoTicks TicksRequestKind = iota
	ResumeUnlimitedTicks
	ResumeWithTicksRequest
)

// MaxTicksRequest bounds a single tick budget (spec.md §8 boundary
// behaviors).
const MaxTicksRequest = 1 << 48

// TicksRequest is the tick budget passed to resume_execution.
type TicksRequest struct {
	Kind   TicksRequestKind
	Budget uint64
}

// NewTicksRequest constructs a ResumeWithTicksRequest(k), asserting
// 1 <= k <= MaxTicksRequest (spec.md §8).
func NewTicksRequest(k uint64) TicksRequest {
	if k == 0 || k > MaxTicksRequest {
		tlog.Fatalf("invalid ticks request %d: must be in [1, %d]", k, MaxTicksRequest)
	}
	return TicksRequest{Kind: ResumeWithTicksRequest, Budget: k}
}

// SingleSteppingInstruction mirrors spec.md §3's
// singlestepping_instruction field.
type SingleSteppingInstruction = archregs.TrappedInstruction

// TaskHooks are the record/replay-specific virtual hooks spec.md §9's
// Design Notes describe: "Dispatch over record vs replay Task variants.
// ... Operations that differ between record and replay are virtual hooks
// ... shared operations are free functions over the capability set." Go
// has no inheritance, so the variant-specific behavior is composed in via
// this interface instead of subclassing Task.
type TaskHooks interface {
	// DidWait runs after did_waitpid's common post-stop fixups.
	DidWait(t *Task)
	// PostWaitClone runs after a clone_task's immediate post-clone wait.
	PostWaitClone(t *Task)
	// WillResumeExecution runs just before resume_execution issues its
	// ptrace request.
	WillResumeExecution(t *Task, how ResumeKind)
	// PostVMClone runs after clone_task installs the child's AddressSpace
	// relationship (spec.md §4.4's post_vm_clone).
	PostVMClone(t *Task, reason CloneReason, flags uintptr, cloneThis *Task)
	// OnSyscallExit runs when a syscall-stop is observed.
	OnSyscallExit(t *Task)
}

// noopHooks implements TaskHooks with no-ops, the replay-time default:
// replay doesn't drive a scheduler or re-arm syscallbuf state the way
// recording does.
type noopHooks struct{}

func (noopHooks) DidWait(*Task)                                        {}
func (noopHooks) PostWaitClone(*Task)                                   {}
func (noopHooks) WillResumeExecution(*Task, ResumeKind)                 {}
func (noopHooks) PostVMClone(*Task, CloneReason, uintptr, *Task)        {}
func (noopHooks) OnSyscallExit(*Task)                                   {}

// recordHooks additionally notifies the (out-of-scope) recording
// scheduler; Scheduler may be nil, in which case these are no-ops too.
type recordHooks struct {
	Scheduler SchedulerHooks
}

func (h recordHooks) DidWait(*Task)                                 {}
func (h recordHooks) PostWaitClone(*Task)                            {}
func (h recordHooks) WillResumeExecution(*Task, ResumeKind)          {}
func (h recordHooks) PostVMClone(*Task, CloneReason, uintptr, *Task) {}
func (h recordHooks) OnSyscallExit(*Task)                            {}

// endTimeslice is called by did_waitpid's PTRACE_INTERRUPT accounting
// (spec.md §4.2 step 1) when recording.
func (h recordHooks) endTimeslice() {
	if h.Scheduler != nil {
		h.Scheduler.EndTimeslice()
	}
}

// Task represents one OS thread under ptrace (spec.md §3).
type Task struct {
	tid    int32
	recTID int32
	serial uint64

	isStopped bool

	waitStatus WaitStatus

	regs            archregs.Registers
	registersDirty  bool
	extraRegs       archregs.FPRegisters
	extraRegsValid  bool
	xsave           archregs.XSaveState

	arch   archregs.Arch
	quirks cpuQuirks

	ticks uint64
	hpc   TicksSource

	pendingSiginfo *unix.Siginfo

	// expectingPtraceInterruptStop is 0, 1 or 2 (spec.md §3, §5).
	expectingPtraceInterruptStop int

	addressOfLastExecutionResume hostarch.Addr
	howLastExecutionResumed      ResumeKind
	singlesteppingInstruction    SingleSteppingInstruction
	lastResumeOrigCX             uint64
	didSetBreakpointAfterCPUID   bool
	breakpointAfterCPUIDAddr     hostarch.Addr

	originalSyscallNo uintptr

	vm *AddressSpace
	tg *ThreadGroup
	fds *FdTable
	session *Session

	syscallbufChild       hostarch.Addr
	syscallbufSize        uint64
	scratchPtr            hostarch.Addr
	scratchSize           uint64
	deschedFDChild        int32
	clonedFileDataFDChild int32

	unstable              bool
	detectedUnexpectedExit bool
	seenPtraceExitEvent    bool
	seccompBPFEnabled      bool

	prname string

	backend ptraceBackend
	waiter  waiter

	hooks TaskHooks
}

// NewRecordTask wraps t so that its record-time hooks are active.
func NewRecordTask(t *Task, sched SchedulerHooks) *Task {
	t.hooks = recordHooks{Scheduler: sched}
	return t
}

// NewReplayTask wraps t so that its (no-op) replay-time hooks are active.
func NewReplayTask(t *Task) *Task {
	t.hooks = noopHooks{}
	return t
}

// TID returns the kernel thread id.
func (t *Task) TID() int32 { return t.tid }

// RecTID returns the tid this task had at recording time.
func (t *Task) RecTID() int32 { return t.recTID }

// Serial returns the session-unique monotonic serial.
func (t *Task) Serial() uint64 { return t.serial }

// IsStopped reports whether a ptrace-stop is currently held.
func (t *Task) IsStopped() bool { return t.isStopped }

// RegistersDirty reports whether Regs() has been modified since the last
// flush (spec.md invariant (b): RegistersDirty => IsStopped).
func (t *Task) RegistersDirty() bool { return t.registersDirty }

// Regs returns a pointer to the cached register snapshot; mutate via this
// pointer and call MarkRegistersDirty to schedule a flush on next resume.
func (t *Task) Regs() *archregs.Registers { return &t.regs }

// MarkRegistersDirty records that Regs() was mutated and must be flushed
// via PTRACE_SETREGS before the task next resumes.
func (t *Task) MarkRegistersDirty() {
	if !t.isStopped {
		tlog.Fatalf("task %d: registers marked dirty while not stopped", t.tid)
	}
	t.registersDirty = true
}

// Arch returns the task's current execution mode.
func (t *Task) Arch() archregs.Arch { return t.arch }

// WaitStatus returns the most recently observed wait status.
func (t *Task) WaitStatus() WaitStatus { return t.waitStatus }

// Ticks returns the cumulative retired-conditional-branch count.
func (t *Task) Ticks() uint64 { return t.ticks }

// AddressSpace returns the task's AddressSpace.
func (t *Task) AddressSpace() *AddressSpace { return t.vm }

// ThreadGroup returns the task's ThreadGroup.
func (t *Task) ThreadGroup() *ThreadGroup { return t.tg }

// FdTable returns the task's FdTable.
func (t *Task) FdTable() *FdTable { return t.fds }

// Session returns the owning Session.
func (t *Task) Session() *Session { return t.session }

// Unstable reports whether this task's thread group exited without a clean
// per-task detach (spec.md invariant (f), GLOSSARY "Unstable exit").
func (t *Task) Unstable() bool { return t.unstable }

// assertStopped enforces resume_execution's precondition.
func (t *Task) assertStopped(op string) {
	if !t.isStopped {
		tlog.Fatalf("task %d: %s requires is_stopped", t.tid, op)
	}
}

// ResumeExecution implements spec.md §4.2's resume_execution.
//
// Preconditions: t.IsStopped().
func (t *Task) ResumeExecution(how ResumeKind, waitMode WaitMode, req TicksRequest, sig unix.Signal) error {
	t.assertStopped("resume_execution")

	// Step 1: configure performance counters.
	if t.hpc != nil {
		switch req.Kind {
		case ResumeNoTicks:
			// Leave counters off.
		case ResumeUnlimitedTicks:
			if err := t.hpc.Reset(0); err != nil {
				return fmt.Errorf("resetting tick counter: %w", err)
			}
		case ResumeWithTicksRequest:
			if req.Budget == 0 || req.Budget > MaxTicksRequest {
				tlog.Fatalf("task %d: invalid tick budget %d", t.tid, req.Budget)
			}
			if err := t.hpc.Reset(req.Budget); err != nil {
				return fmt.Errorf("arming tick counter: %w", err)
			}
		}
	}

	// Step 2: KNL string-singlestep workaround.
	if how.isSinglestep() && t.quirks != nil && t.quirks.HasKNLStringStepBug() {
		code, ok := t.peekCodeAt(hostarch.Addr(t.regs.IP()), 4)
		if ok {
			insn, _ := archStringAt(code)
			if insn == archregs.String && t.regs.Rcx > 16 {
				t.lastResumeOrigCX = t.regs.Rcx
				t.regs.Rcx = 16
				t.registersDirty = true
			} else {
				t.lastResumeOrigCX = 0
			}
		}
	} else {
		t.lastResumeOrigCX = 0
	}

	// Step 3: record the trapped instruction at the resume address, and
	// arm the post-CPUID breakpoint if needed.
	t.didSetBreakpointAfterCPUID = false
	if code, ok := t.peekCodeAt(hostarch.Addr(t.regs.IP()), 16); ok {
		insn, length := archregs.TrappedInstructionAt(code)
		t.singlesteppingInstruction = insn
		if insn == archregs.CpuId {
			bpAddr := hostarch.Addr(t.regs.IP()) + hostarch.Addr(length)
			if t.vm != nil {
				t.vm.AddBreakpoint(t, bpAddr, BreakpointInternal)
				t.didSetBreakpointAfterCPUID = true
				t.breakpointAfterCPUIDAddr = bpAddr
			}
		}
	} else {
		t.singlesteppingInstruction = archregs.NotTrapped
	}

	t.hooks.WillResumeExecution(t, how)

	// Step 4: flush dirty registers.
	if t.registersDirty {
		if err := t.backend.SetRegs(t.tid, &t.regs); err != nil {
			return fmt.Errorf("flushing registers: %w", err)
		}
		t.registersDirty = false
	}

	t.addressOfLastExecutionResume = hostarch.Addr(t.regs.IP())
	t.howLastExecutionResumed = how
	t.originalSyscallNo = uintptr(t.regs.Orig_rax)

	// Step 5: race probe (recording only).
	if t.isRecording() {
		ws, _, err := t.waiter.Wait(t.tid, unix.WNOHANG|unix.WALL)
		if err == nil && (ws.Kind == PtraceEvent && ws.Event == linux.PTRACE_EVENT_EXIT || ws.Kind == FatalSig) {
			t.detectedUnexpectedExit = true
			t.isStopped = false
			t.extraRegsValid = false
			return nil
		}
	}

	// Step 6: issue the ptrace request.
	var rerr error
	switch how {
	case ResumeCont:
		rerr = t.backend.Cont(t.tid, sig)
	case ResumeSinglestep:
		rerr = t.backend.SingleStep(t.tid, sig)
	case ResumeSysemu:
		rerr = t.backend.Sysemu(t.tid, sig)
	case ResumeSysemuSinglestep:
		rerr = t.backend.SysemuSingleStep(t.tid, sig)
	}
	if rerr != nil && rerr != unix.ESRCH {
		return fmt.Errorf("ptrace resume: %w", rerr)
	}

	// Step 7: publish running state.
	t.isStopped = false
	t.extraRegsValid = false

	if waitMode == ResumeWait {
		return t.Wait()
	}
	return nil
}

// Wait blocks for this task's next stop and routes it through DidWaitpid.
func (t *Task) Wait() error {
	ws, _, err := t.waiter.Wait(t.tid, unix.WALL)
	if err != nil {
		return err
	}
	return t.DidWaitpid(ws)
}

// DidWaitpid implements spec.md §4.2's did_waitpid: the canonical post-stop
// routine.
func (t *Task) DidWaitpid(status WaitStatus) error {
	// Step 1: PTRACE_INTERRUPT accounting.
	if t.expectingPtraceInterruptStop > 0 {
		t.expectingPtraceInterruptStop--
		if status.Kind == GroupStop {
			status = WaitStatus{Kind: StopSig, Signal: timeSliceSignal}
			t.pendingSiginfo = &unix.Siginfo{
				Signo: int32(timeSliceSignal),
				Code:  linux.PollIN,
			}
			if rh, ok := t.hooks.(recordHooks); ok {
				rh.endTimeslice()
			}
		}
	}

	// Step 2: fetch siginfo for a real signal.
	if status.Kind == StopSig || status.Kind == GroupStop {
		si, err := t.backend.GetSigInfo(t.tid)
		if err != nil {
			if err == unix.ESRCH {
				status = PtraceEventExit()
			} else {
				return fmt.Errorf("PTRACE_GETSIGINFO: %w", err)
			}
		} else {
			t.pendingSiginfo = si
		}
	}

	// Step 3: dirty-register assertion.
	if t.registersDirty && !(status.Kind == PtraceEvent && status.Event == linux.PTRACE_EVENT_EXIT) {
		tlog.Fatalf("task %d: registers_dirty at a non-exit stop", t.tid)
	}
	if status.Kind == PtraceEvent && status.Event == linux.PTRACE_EVENT_EXIT {
		t.registersDirty = false
	}

	// Step 4: refresh registers and redetermine arch.
	if err := t.backend.GetRegs(t.tid, &t.regs); err != nil {
		if status.Kind != PtraceEvent {
			return fmt.Errorf("PTRACE_GETREGS: %w", err)
		}
	} else {
		newArch := archregs.ArchFromCS(t.regs.Cs)
		t.arch = newArch
	}

	// Step 5: publish stopped state and account ticks.
	t.isStopped = true
	t.waitStatus = status
	if t.hpc != nil {
		n, err := t.hpc.Stop()
		if err == nil {
			t.ticks += n
			if t.session != nil {
				t.session.accumulateTicks(n)
			}
		}
	}

	// Step 6: post-stop fixups (skip on exit).
	if status.Kind != PtraceEvent || status.Event != linux.PTRACE_EVENT_EXIT {
		t.regs.ClearSingleStep()

		if t.lastResumeOrigCX != 0 {
			newCX := t.regs.Rcx
			t.regs.Rcx = t.lastResumeOrigCX - 16 + newCX
			t.registersDirty = true
			t.lastResumeOrigCX = 0
		}

		if t.didSetBreakpointAfterCPUID && hostarch.Addr(t.regs.IP()) == t.breakpointAfterCPUIDAddr {
			t.regs.SetIP(uintptr(t.breakpointAfterCPUIDAddr))
			if t.vm != nil {
				t.vm.RemoveBreakpoint(t.breakpointAfterCPUIDAddr, BreakpointInternal, t)
			}
			t.didSetBreakpointAfterCPUID = false
			t.registersDirty = true
		}

		if t.singlesteppingInstruction == archregs.Pushf || t.singlesteppingInstruction == archregs.Pushf16 {
			t.scrubPushedTF()
		}

		if t.vm != nil && t.vm.IsBreakpointInstruction(t, hostarch.Addr(t.regs.IP())) &&
			hostarch.Addr(t.regs.IP()) == t.addressOfLastExecutionResume {
			t.regs.SetSyscallNo(t.originalSyscallNo)
			t.registersDirty = true
		}
	}

	t.hooks.DidWait(t)
	return nil
}

// scrubPushedTF clears the TF bit the tracee just pushed onto its own
// stack when single-stepping through PUSHF/PUSHFW (spec.md §4.2 step 6,
// §8 scenario S4).
func (t *Task) scrubPushedTF() {
	width := 8
	if t.singlesteppingInstruction == archregs.Pushf16 {
		width = 2
	}
	sp := hostarch.Addr(t.regs.Stack())
	buf := make([]byte, width)
	n, err := t.ReadBytesFallible(sp, buf)
	if err != nil || n < width {
		return
	}
	var word uint64
	for i := width - 1; i >= 0; i-- {
		word = word<<8 | uint64(buf[i])
	}
	word &^= linux.EFLAGS_TF
	for i := 0; i < width; i++ {
		buf[i] = byte(word)
		word >>= 8
	}
	t.WriteBytesHelper(sp, buf, 0)
}

// peekCodeAt reads n bytes at addr for instruction decoding, returning
// false (not fatal) if the page isn't currently readable.
func (t *Task) peekCodeAt(addr hostarch.Addr, n int) ([]byte, bool) {
	buf := make([]byte, n)
	got, err := t.ReadBytesFallible(addr, buf)
	if err != nil || got == 0 {
		return nil, false
	}
	return buf[:got], true
}

func archStringAt(code []byte) (archregs.TrappedInstruction, int) {
	return archregs.TrappedInstructionAt(code)
}

func (t *Task) isRecording() bool {
	return t.session != nil && t.session.IsRecording()
}

// timeSliceSignal is the synthetic signal did_waitpid substitutes for a
// PTRACE_INTERRUPT-induced group-stop (spec.md §4.2 step 1). Linux reserves
// no fixed number for this; this package uses the single value below for
// every Session, recording or not.
var timeSliceSignal unix.Signal = unix.Signal(34) // SIGRTMIN
