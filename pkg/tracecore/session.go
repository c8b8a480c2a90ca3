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

	"github.com/opentracee/rrcore/internal/metrics"
	"github.com/opentracee/rrcore/internal/tlog"
)

// TicksSemantics selects how ResumeWithTicksRequest budgets are interpreted;
// the actual perf-counter model lives outside this package (spec.md §1's
// "performance-counter hardware abstraction" collaborator).
type TicksSemantics int

const (
	TicksTakenAllStops TicksSemantics = iota
	TicksTakenOnCounterBreakpoint
)

// SeccompOrdering records whether, on this kernel, a SIGTRAP from a
// PTRACE_EVENT_SECCOMP-classified stop is observed before or after the
// syscall-entry stop it correlates with (spec.md §3 "syscall_seccomp_ordering").
type SeccompOrdering int

const (
	OrderingUnknown SeccompOrdering = iota
	OrderingPtraceFirst
	OrderingSeccompFirst
)

// Statistics accumulates Session-wide counters (spec.md §3), mirrored to
// internal/metrics for external observability.
type Statistics struct {
	BytesWritten      uint64
	TicksProcessed    uint64
	SyscallsPerformed uint64
}

// Session owns the task/address-space/thread-group maps and the orderly
// shutdown protocol (spec.md §3 "Session", §4.5).
type Session struct {
	id string

	tasks         map[int32]*Task
	addressSpaces map[AddressSpaceUID]*AddressSpace
	threadGroups  map[ThreadGroupUID]*ThreadGroup

	nextTaskSerial uint64

	ticksSemantics   TicksSemantics
	doneInitialExec  bool
	visibleExecution bool
	recording        bool

	stats   Statistics
	metrics *metrics.SessionCounters

	seccompOrdering SeccompOrdering

	memSocket *tracSocket

	waiter waiter
}

// NewSession constructs an empty Session, recording whether it will drive a
// live (recording) tracee fleet or a replay-time reconstruction: several
// Task hooks (scheduler notification, the race probe in resume_execution
// step 5) are recording-only (spec.md §4.2, §9).
func NewSession(id string, recording bool, w waiter) *Session {
	s := &Session{
		id:            id,
		tasks:         make(map[int32]*Task),
		addressSpaces: make(map[AddressSpaceUID]*AddressSpace),
		threadGroups:  make(map[ThreadGroupUID]*ThreadGroup),
		recording:     recording,
		metrics:       metrics.NewSessionCounters(id),
		waiter:        w,
	}
	return s
}

// IsRecording reports whether this Session drives a live tracee fleet.
func (s *Session) IsRecording() bool { return s.recording }

// Metrics exposes the session's Prometheus registry for scraping.
func (s *Session) Metrics() *metrics.SessionCounters { return s.metrics }

// Task looks up a task by its current kernel tid.
func (s *Session) Task(tid int32) (*Task, bool) {
	t, ok := s.tasks[tid]
	return t, ok
}

// Tasks returns every live task, in no particular order.
func (s *Session) Tasks() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Session) nextSerial() uint64 {
	s.nextTaskSerial++
	return s.nextTaskSerial
}

// accumulateTicks folds n retired ticks into Session-wide statistics,
// mirrored into the ticks_processed Prometheus counter.
func (s *Session) accumulateTicks(n uint64) {
	s.stats.TicksProcessed += n
	if s.metrics != nil {
		s.metrics.AddTicks(n)
	}
}

// accumulateBytesWritten folds n written bytes into Session-wide statistics.
func (s *Session) accumulateBytesWritten(n int) {
	s.stats.BytesWritten += uint64(n)
	if s.metrics != nil {
		s.metrics.AddBytesWritten(n)
	}
}

// accumulateSyscall records one auto-remote-syscall invocation.
func (s *Session) accumulateSyscall() {
	s.stats.SyscallsPerformed++
	if s.metrics != nil {
		s.metrics.IncSyscalls()
	}
}

// Statistics returns a snapshot of the Session's cumulative counters.
func (s *Session) Statistics() Statistics { return s.stats }

// addTask inserts t into the task map, enforcing invariant (a): at most one
// Task per tid globally.
func (s *Session) addTask(t *Task) {
	if _, exists := s.tasks[t.tid]; exists {
		tlog.Fatalf("session %s: duplicate task for tid %d", s.id, t.tid)
	}
	s.tasks[t.tid] = t
	t.session = s
}

// removeTask drops t from the task map and, if it was the last member of
// its AddressSpace/ThreadGroup, notifies on_destroy_vm/on_destroy_tg.
func (s *Session) removeTask(t *Task) {
	delete(s.tasks, t.tid)
	if t.vm != nil {
		t.vm.removeTask(t)
		if len(t.vm.Tasks()) == 0 {
			delete(s.addressSpaces, t.vm.UID())
			s.onDestroyVM(t.vm)
		}
	}
	if t.tg != nil {
		t.tg.removeTask(t)
		if len(t.tg.Tasks()) == 0 {
			delete(s.threadGroups, t.tg.UID())
			s.onDestroyTG(t.tg)
		}
	}
}

// onDestroyVM and onDestroyTG are lifecycle notification points (spec.md
// §3 "Lifecycle"); no behavior beyond logging lives in this package, since
// the scheduler and trace writer that would otherwise hook these are
// out-of-scope collaborators (spec.md §1).
func (s *Session) onDestroyVM(vm *AddressSpace) {
	tlog.Debugf("session %s: address space %s destroyed", s.id, vm.UID())
}

func (s *Session) onDestroyTG(tg *ThreadGroup) {
	tlog.Debugf("session %s: thread group %s destroyed", s.id, tg.UID())
}

// DestroyTask implements a Task's destructor (spec.md §3 "Lifecycle"):
// PTRACE_DETACH, wait for the zombie if recording and this is the thread
// group's last member, then remove the task from every task set.
//
// The reentrancy hazard spec.md §5 calls out (a Task's destructor may run
// while its Session is being dropped) does not apply to this explicit call
// path: kill_all_tasks never calls DestroyTask, it manipulates the maps
// directly (see KillAllTasks).
func (s *Session) DestroyTask(t *Task) error {
	lastInGroup := t.tg != nil && len(t.tg.Tasks()) == 1
	if err := t.backend.Detach(t.tid, 0); err != nil && err != unix.ESRCH {
		tlog.Warningf("session %s: PTRACE_DETACH tid %d: %v", s.id, t.tid, err)
	}
	if s.recording && lastInGroup {
		s.waiter.Wait(t.tid, 0)
	}
	s.removeTask(t)
	return nil
}

// KillAllTasks implements spec.md §4.5's Session::kill_all_tasks: an
// orderly, two-phase fleet shutdown.
func (s *Session) KillAllTasks() {
	// Phase 1: safe detach.
	for _, t := range s.tasks {
		if !t.isStopped {
			continue
		}
		if err := s.safeDetach(t); err != nil {
			tlog.Warningf("session %s: safe detach of tid %d: %v", s.id, t.tid, err)
		}
	}

	// Collect UIDs before the maps are drained, per spec.md §4.5 "notify
	// on_destroy_vm/on_destroy_tg for every AddressSpace/ThreadGroup uid
	// collected beforehand".
	vms := make(map[AddressSpaceUID]*AddressSpace)
	tgs := make(map[ThreadGroupUID]*ThreadGroup)
	for _, t := range s.tasks {
		if t.vm != nil {
			vms[t.vm.UID()] = t.vm
		}
		if t.tg != nil {
			tgs[t.tg.UID()] = t.tg
		}
	}

	// Phase 2: SIGKILL and reap.
	for tid, t := range s.tasks {
		if t.tg != nil && t.tg.unstable {
			delete(s.tasks, tid)
			continue
		}
		tgid := int32(0)
		if t.tg != nil {
			tgid = t.tg.RealTGID()
		}
		if err := unix.Tgkill(int(tgid), int(tid), unix.SIGKILL); err != nil && err != unix.ESRCH {
			tlog.Warningf("session %s: tgkill tid %d: %v", s.id, tid, err)
		}
		if t.tg != nil {
			t.tg.unstable = true
		}
		delete(s.tasks, tid)
	}

	for uid, vm := range vms {
		delete(s.addressSpaces, uid)
		s.onDestroyVM(vm)
	}
	for uid, tg := range tgs {
		delete(s.threadGroups, uid)
		s.onDestroyTG(tg)
	}
}

// safeDetach implements spec.md §4.5 phase 1 for a single stopped task: it
// points the tracee at an exit(0) syscall in the privileged-trace page
// before detaching, so that if the kernel lets it run even briefly after
// detach, it exits cleanly instead of executing attacker- or
// corruption-controlled code (the alternatives spec.md documents — an
// invalid ip, an infinite loop, PR_SET_DUMPABLE, RLIMIT_CORE — are each
// broken in some way; see this package's design notes).
func (s *Session) safeDetach(t *Task) error {
	t.assertStopped("safeDetach")
	regs := t.regs
	if t.vm != nil {
		regs.SetIP(uintptr(t.vm.PrivilegedTracedSyscallIP()))
	}
	regs.SetSyscallNo(uintptr(unix.SYS_EXIT))
	regs.SetArg1(0)
	if err := t.backend.SetRegs(t.tid, &regs); err != nil {
		return fmt.Errorf("flushing exit-trick registers: %w", err)
	}
	t.regs = regs
	t.registersDirty = false

	const maxRetries = 50
	for i := 0; i < maxRetries; i++ {
		err := t.backend.Detach(t.tid, 0)
		if err == nil {
			return nil
		}
		if err != unix.ESRCH {
			return err
		}
		if isZombie(t.tid) {
			return nil
		}
	}
	return fmt.Errorf("PTRACE_DETACH tid %d: exhausted retries on ESRCH", t.tid)
}

// isZombie reports whether tid is already a zombie, the condition under
// which repeated ESRCH from PTRACE_DETACH is expected rather than
// transient (spec.md §4.5's kernel quirk note).
func isZombie(tid int32) bool {
	state, err := readProcState(tid)
	if err != nil {
		return false
	}
	return state == 'Z'
}
