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
	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/hostarch"
)

// fakeBackend is a ptraceBackend that keeps per-tid state in memory,
// letting task.go's resume/wait state machine and memory.go's protection
// fixups be exercised without a kernel (this package's design note,
// spec.md §9: "tests substitute fakeBackend").
type fakeBackend struct {
	regs    map[int32]*archregs.Registers
	fpregs  map[int32]*archregs.FPRegisters
	dr6     map[int32]uintptr
	userMem map[int32]map[uintptr]uintptr // PEEKUSER/POKEUSER general words, keyed by offset

	// resumeLog records (tid, how) pairs for ordering assertions.
	resumeLog []fakeResumeEvent

	// nextStop, if set, is consumed by the next Cont/SingleStep/Sysemu
	// call and fed back to the paired fakeWaiter as that tid's next status.
	nextStop map[int32]WaitStatus
}

type fakeResumeEvent struct {
	tid int32
	how string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		regs:     make(map[int32]*archregs.Registers),
		fpregs:   make(map[int32]*archregs.FPRegisters),
		dr6:      make(map[int32]uintptr),
		userMem:  make(map[int32]map[uintptr]uintptr),
		nextStop: make(map[int32]WaitStatus),
	}
}

func (b *fakeBackend) regsFor(tid int32) *archregs.Registers {
	r, ok := b.regs[tid]
	if !ok {
		r = &archregs.Registers{}
		r.Cs = 0x33 // long-mode selector by default
		b.regs[tid] = r
	}
	return r
}

func (b *fakeBackend) Attach(tid int32) error                      { return nil }
func (b *fakeBackend) Detach(tid int32, sig unix.Signal) error     { return nil }
func (b *fakeBackend) Seize(tid int32, options int32) error        { return nil }
func (b *fakeBackend) SetOptions(tid int32, options int32) error   { return nil }
func (b *fakeBackend) Interrupt(tid int32) error                   { return nil }

func (b *fakeBackend) Cont(tid int32, sig unix.Signal) error {
	b.resumeLog = append(b.resumeLog, fakeResumeEvent{tid, "cont"})
	return nil
}
func (b *fakeBackend) SingleStep(tid int32, sig unix.Signal) error {
	b.resumeLog = append(b.resumeLog, fakeResumeEvent{tid, "singlestep"})
	return nil
}
func (b *fakeBackend) Sysemu(tid int32, sig unix.Signal) error {
	b.resumeLog = append(b.resumeLog, fakeResumeEvent{tid, "sysemu"})
	return nil
}
func (b *fakeBackend) SysemuSingleStep(tid int32, sig unix.Signal) error {
	b.resumeLog = append(b.resumeLog, fakeResumeEvent{tid, "sysemu-singlestep"})
	return nil
}

func (b *fakeBackend) GetRegs(tid int32, regs *archregs.Registers) error {
	*regs = *b.regsFor(tid)
	return nil
}
func (b *fakeBackend) SetRegs(tid int32, regs *archregs.Registers) error {
	*b.regsFor(tid) = *regs
	return nil
}
func (b *fakeBackend) GetFPRegs(tid int32, regs *archregs.FPRegisters) error {
	if f, ok := b.fpregs[tid]; ok {
		*regs = *f
	}
	return nil
}
func (b *fakeBackend) SetFPRegs(tid int32, regs *archregs.FPRegisters) error {
	cp := *regs
	b.fpregs[tid] = &cp
	return nil
}
func (b *fakeBackend) GetRegSet(tid int32, which uintptr, maxlen int) ([]byte, error) {
	return make([]byte, maxlen), nil
}
func (b *fakeBackend) SetRegSet(tid int32, which uintptr, data []byte) error { return nil }

func (b *fakeBackend) PeekUser(tid int32, addr uintptr) (uintptr, error) {
	if addr == linux.DebugRegOffset(6) {
		return b.dr6[tid], nil
	}
	m := b.userMem[tid]
	if m == nil {
		return 0, nil
	}
	return m[addr], nil
}
func (b *fakeBackend) PokeUser(tid int32, addr, data uintptr) error {
	if addr == linux.DebugRegOffset(6) {
		b.dr6[tid] = data
		return nil
	}
	if b.userMem[tid] == nil {
		b.userMem[tid] = make(map[uintptr]uintptr)
	}
	b.userMem[tid][addr] = data
	return nil
}

func (b *fakeBackend) GetSigInfo(tid int32) (*unix.Siginfo, error) {
	return &unix.Siginfo{Signo: int32(unix.SIGTRAP)}, nil
}
func (b *fakeBackend) GetEventMsg(tid int32) (uintptr, error) { return 0, nil }
func (b *fakeBackend) ArchPrctl(tid int32, code int, addr uintptr) error { return nil }

var _ ptraceBackend = (*fakeBackend)(nil)

// fakeWaiter hands back a pre-scripted sequence of WaitStatus values per
// tid, modeling the exact stop a resume_execution call is expected to
// produce in each test scenario.
type fakeWaiter struct {
	queued map[int32][]WaitStatus
}

func newFakeWaiter() *fakeWaiter { return &fakeWaiter{queued: make(map[int32][]WaitStatus)} }

func (w *fakeWaiter) push(tid int32, ws WaitStatus) {
	w.queued[tid] = append(w.queued[tid], ws)
}

func (w *fakeWaiter) Wait(pid int32, opts int) (WaitStatus, int32, error) {
	q := w.queued[pid]
	if len(q) == 0 {
		return WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP}, pid, nil
	}
	w.queued[pid] = q[1:]
	return q[0], pid, nil
}

var _ waiter = (*fakeWaiter)(nil)

// fakeTicks is a no-op TicksSource recording Reset/Stop calls.
type fakeTicks struct {
	armed   bool
	budget  uint64
	retired uint64
}

func (f *fakeTicks) Reset(budget uint64) error { f.armed = true; f.budget = budget; return nil }
func (f *fakeTicks) Stop() (uint64, error)      { f.armed = false; return f.retired, nil }
func (f *fakeTicks) InterruptFD() int           { return -1 }

var _ TicksSource = (*fakeTicks)(nil)

// fakeCPUQuirks lets a test force the KNL string-singlestep erratum path
// (spec.md §4.2 step 2, §8 scenario S3) without a real Knights Landing CPU.
type fakeCPUQuirks struct {
	knl bool
}

func (f *fakeCPUQuirks) HasKNLStringStepBug() bool { return f.knl }

var _ cpuQuirks = (*fakeCPUQuirks)(nil)

// newFakeTask builds a minimal, stopped Task backed by fakeBackend/fakeWaiter
// and a real AddressSpace/ThreadGroup/FdTable, suitable for exercising
// task.go and memory.go in isolation.
func newFakeTask(tid int32, backend *fakeBackend, w *fakeWaiter) *Task {
	vm := NewAddressSpace(AddressSpaceUID{CreatorTID: tid}, hostarch.Addr(0x7000))
	tg := NewThreadGroup(ThreadGroupUID{CreatorTID: tid}, tid)
	fds := NewFdTable()
	t := &Task{
		tid:       tid,
		recTID:    tid,
		serial:    1,
		isStopped: true,
		backend:   backend,
		waiter:    w,
		vm:        vm,
		tg:        tg,
		fds:       fds,
		arch:      archregs.X64,
		quirks:    &fakeCPUQuirks{},
		hooks:     noopHooks{},
	}
	vm.addTask(t)
	tg.addTask(t)
	t.regs = *backend.regsFor(tid)
	return t
}
