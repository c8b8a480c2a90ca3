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
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/opentracee/rrcore/pkg/hostarch"
)

// mapping is one entry of an AddressSpace's view of the tracee's memory
// map: enough to drive safe_pwrite64's protection fixups and the
// breakpoint/watchpoint bookkeeping (spec.md §4.1, §6's
// maps_containing_or_after/local_mapping).
type mapping struct {
	start, end hostarch.Addr
	prot       int
	shared     bool
	local      []byte // non-nil iff a tracer-side alias exists for this range
}

func (m mapping) contains(addr hostarch.Addr, n int) bool {
	end, ok := addr.AddLength(uint64(n))
	return ok && addr >= m.start && end <= m.end
}

// breakpoint records one installed INT3, keyed by address, with the
// original byte it overwrote so it can be removed cleanly.
type breakpoint struct {
	kind     BreakpointKind
	original byte
	refcount int
}

// watchpoint records one hardware watchpoint slot's configuration. The
// actual DR0-3/DR7 programming is part of ptraceBackend (via PokeUser on
// the debug registers); this struct is this package's bookkeeping of what
// was requested so NotifyWatchpointFired/HasAnyWatchpointChanges can reason
// about them.
type watchpoint struct {
	addr   hostarch.Addr
	length int
	exec   bool
	write  bool
	read   bool
}

// AddressSpace is a tracee's virtual address space, potentially shared by
// several Tasks (spec.md §3 "Session", §6's AddressSpace contract).
type AddressSpace struct {
	uid AddressSpaceUID

	memFD int

	maps []mapping

	breakpoints map[hostarch.Addr]*breakpoint
	watchpoints []watchpoint

	lastWatchpointHit     hostarch.Addr
	lastWatchpointHitIsSet bool

	privilegedTracedSyscallIP hostarch.Addr

	shmSizes map[int64]uint64

	tasks []*Task
}

// NewAddressSpace constructs an AddressSpace for a freshly spawned or
// cloned Task. privilegedIP is the address of a page the tracer controls
// that contains a syscall instruction, used by the exit-syscall shutdown
// trick (spec.md §4.5) and by auto-remote-syscalls.
func NewAddressSpace(uid AddressSpaceUID, privilegedIP hostarch.Addr) *AddressSpace {
	return &AddressSpace{
		uid:                       uid,
		memFD:                     -1,
		breakpoints:               make(map[hostarch.Addr]*breakpoint),
		shmSizes:                  make(map[int64]uint64),
		privilegedTracedSyscallIP: privilegedIP,
	}
}

func (vm *AddressSpace) UID() AddressSpaceUID { return vm.uid }

func (vm *AddressSpace) MemFD() int { return vm.memFD }

func (vm *AddressSpace) SetMemFD(fd int) { vm.memFD = fd }

func (vm *AddressSpace) PrivilegedTracedSyscallIP() hostarch.Addr {
	return vm.privilegedTracedSyscallIP
}

// Tasks returns every Task sharing this AddressSpace.
func (vm *AddressSpace) Tasks() []*Task {
	out := make([]*Task, len(vm.tasks))
	copy(out, vm.tasks)
	return out
}

func (vm *AddressSpace) addTask(t *Task) {
	vm.tasks = append(vm.tasks, t)
}

func (vm *AddressSpace) removeTask(t *Task) {
	for i, x := range vm.tasks {
		if x == t {
			vm.tasks = append(vm.tasks[:i], vm.tasks[i+1:]...)
			return
		}
	}
}

// LocalMapping returns a tracer-side byte slice aliasing [addr, addr+n) if
// one exists (the preload library's shared-memory alias, spec.md §4.1
// "local mapping"), so reads/writes can bypass /proc/<tid>/mem entirely.
func (vm *AddressSpace) LocalMapping(addr hostarch.Addr, n int) ([]byte, bool) {
	for _, m := range vm.maps {
		if m.local != nil && m.contains(addr, n) {
			off := int(addr - m.start)
			return m.local[off : off+n], true
		}
	}
	return nil, false
}

// mapIndex finds the mapping covering addr, if any.
func (vm *AddressSpace) mapIndex(addr hostarch.Addr) int {
	for i, m := range vm.maps {
		if addr >= m.start && addr < m.end {
			return i
		}
	}
	return -1
}

// ProtectionAt returns the tracked protection bits and MAP_SHARED status
// for the page containing addr.
func (vm *AddressSpace) ProtectionAt(addr hostarch.Addr) (prot int, shared bool, ok bool) {
	i := vm.mapIndex(addr)
	if i < 0 {
		return 0, false, false
	}
	return vm.maps[i].prot, vm.maps[i].shared, true
}

// SetProtectionAt updates the tracked protection bits for the page
// containing addr, used by safe_pwrite64's restore step.
func (vm *AddressSpace) SetProtectionAt(addr hostarch.Addr, prot int) {
	i := vm.mapIndex(addr)
	if i < 0 {
		return
	}
	vm.maps[i].prot = prot
}

// Map records a new mapping (spec.md §6 AddressSpaceContract.Map).
func (vm *AddressSpace) Map(addr hostarch.Addr, length uint64, prot int, shared bool) {
	end, _ := addr.AddLength(length)
	vm.maps = append(vm.maps, mapping{start: addr, end: end, prot: prot, shared: shared})
	sort.Slice(vm.maps, func(i, j int) bool { return vm.maps[i].start < vm.maps[j].start })
}

// Unmap removes any mapping overlapping [addr, addr+length).
func (vm *AddressSpace) Unmap(addr hostarch.Addr, length uint64) {
	end, _ := addr.AddLength(length)
	out := vm.maps[:0]
	for _, m := range vm.maps {
		if m.end <= addr || m.start >= end {
			out = append(out, m)
		}
	}
	vm.maps = out
}

// Protect updates protection bits over [addr, addr+length), splitting
// mappings as needed is beyond this model's fidelity; callers use
// page-aligned, single-mapping ranges in practice (auto-remote-syscall
// mprotect targets always are).
func (vm *AddressSpace) Protect(addr hostarch.Addr, length uint64, prot int) {
	i := vm.mapIndex(addr)
	if i >= 0 {
		vm.maps[i].prot = prot
	}
}

// Advise is a placeholder for madvise bookkeeping; this model tracks no
// advice-dependent state, so it is a no-op beyond satisfying the contract.
func (vm *AddressSpace) Advise(addr hostarch.Addr, length uint64, advice int) {}

func (vm *AddressSpace) ShmSize(id int64) (uint64, bool) {
	n, ok := vm.shmSizes[id]
	return n, ok
}

func (vm *AddressSpace) RemoveShmSize(id int64) {
	delete(vm.shmSizes, id)
}

// NotifyWritten is called after a successful remote write, giving the
// AddressSpace a chance to invalidate any cached local-mapping contents. In
// this model local mappings alias the same backing memory, so there is
// nothing to invalidate; the hook exists to satisfy the contract and as a
// seam for an eventual page-cache layer.
func (vm *AddressSpace) NotifyWritten(addr hostarch.Addr, length uint64) {}

// AddBreakpoint installs an INT3 at ip, saving the original byte so
// RemoveBreakpoint can restore it. Installing the same address twice (by
// two different Tasks sharing this AddressSpace) increments a refcount
// instead of double-patching memory.
func (vm *AddressSpace) AddBreakpoint(t *Task, ip hostarch.Addr, kind BreakpointKind) {
	if bp, ok := vm.breakpoints[ip]; ok {
		bp.refcount++
		return
	}
	var orig [1]byte
	if _, err := t.ReadBytesFallible(ip, orig[:]); err != nil {
		return
	}
	if err := t.WriteBytesHelper(ip, []byte{0xCC}, WriteNormal); err != nil {
		return
	}
	vm.breakpoints[ip] = &breakpoint{kind: kind, original: orig[0], refcount: 1}
}

// RemoveBreakpoint decrements the refcount at ip, restoring the original
// byte once it reaches zero.
func (vm *AddressSpace) RemoveBreakpoint(ip hostarch.Addr, kind BreakpointKind, t *Task) {
	bp, ok := vm.breakpoints[ip]
	if !ok {
		return
	}
	bp.refcount--
	if bp.refcount > 0 {
		return
	}
	delete(vm.breakpoints, ip)
	t.WriteBytesHelper(ip, []byte{bp.original}, WriteIgnoreESRCH)
}

// IsBreakpointInstruction reports whether ip currently holds a
// tracer-installed INT3.
func (vm *AddressSpace) IsBreakpointInstruction(t *Task, ip hostarch.Addr) bool {
	_, ok := vm.breakpoints[ip]
	return ok
}

// GetBreakpointTypeAt reports the kind of breakpoint installed at ip, or
// BreakpointNone.
func (vm *AddressSpace) GetBreakpointTypeAt(ip hostarch.Addr) BreakpointKind {
	bp, ok := vm.breakpoints[ip]
	if !ok {
		return BreakpointNone
	}
	return bp.kind
}

// NotifyWatchpointFired records that a debug-status stop implicated a
// watchpoint, optionally at a known address (addr may be nil when only the
// DR6 bit, not a faulting address, is known).
func (vm *AddressSpace) NotifyWatchpointFired(status WaitStatus, addr *hostarch.Addr) {
	if addr != nil {
		vm.lastWatchpointHit = *addr
		vm.lastWatchpointHitIsSet = true
	}
}

// HasAnyWatchpointChanges reports whether any configured watchpoint's
// shadow value differs from its last-known value. This model has no
// shadow-memory comparator (spec.md places the memory-mapping database
// beyond this package's scope); it reports true whenever at least one
// watchpoint is configured, deferring to the DR6 bits for the precise
// per-watchpoint decision as spec.md §4.3 itself does ("OR DR6_WATCHPOINT*").
func (vm *AddressSpace) HasAnyWatchpointChanges() bool {
	return len(vm.watchpoints) > 0
}

// HasExecWatchpointFired reports whether an exec watchpoint is configured
// at ip and the last recorded watchpoint hit was at ip.
func (vm *AddressSpace) HasExecWatchpointFired(ip hostarch.Addr) bool {
	if !vm.lastWatchpointHitIsSet || vm.lastWatchpointHit != ip {
		return false
	}
	for _, w := range vm.watchpoints {
		if w.exec && w.addr == ip {
			return true
		}
	}
	return false
}

// PostExecSyscall clears mapping/breakpoint/watchpoint state that does not
// survive an execve (spec.md §4.4 post_exec: "install a new AddressSpace").
func (vm *AddressSpace) PostExecSyscall() {
	vm.maps = nil
	vm.breakpoints = make(map[hostarch.Addr]*breakpoint)
	vm.watchpoints = nil
	vm.lastWatchpointHitIsSet = false
}

// DidForkInto is called after a TraceeClone that did not share vm, once the
// child's own AddressSpace has seen its syscallbuf/scratch regions unmapped
// (spec.md §4.4).
func (vm *AddressSpace) DidForkInto(t *Task) {}

// PostVMClone runs clone_task's final step (spec.md §4.4): for a
// TraceeClone, the preload library's thread-locals region is copied into
// the new task's address space. The preload library itself is an
// out-of-scope collaborator (spec.md §1); this hook is where its globals
// layout would be consulted were it in-process.
func (vm *AddressSpace) PostVMClone(reason CloneReason, flags uintptr, cloneThis *Task) {}

// AtPreloadInit is called once the preload library's constructor has run in
// a newly exec'd or spawned tracee and registered its shared globals
// region. No state beyond acknowledging the call lives in this package.
func (vm *AddressSpace) AtPreloadInit(t *Task) {}

// unwatch removes every watchpoint, used by tests to reset fixture state.
func (vm *AddressSpace) unwatch() { vm.watchpoints = nil }

// AddWatchpoint configures a hardware watchpoint's tracked shape. Actual
// DR0-3/DR7 programming happens through ptraceBackend.PokeUser, issued by
// the (out-of-scope) debugger-facing layer that decides watchpoint
// placement; this package only needs to know enough to classify traps.
func (vm *AddressSpace) AddWatchpoint(addr hostarch.Addr, length int, read, write, exec bool) {
	vm.watchpoints = append(vm.watchpoints, watchpoint{addr: addr, length: length, read: read, write: write, exec: exec})
}

// readProcState reads the process-state character (the third
// whitespace-separated field of /proc/<tid>/stat, after the parenthesized
// comm name) for safeDetach's zombie check (spec.md §4.5's kernel quirk
// note: "retry unless the pid is a zombie"). A failed read (the pid is
// already gone) is treated as "not a zombie we can observe", which leaves
// the retry loop to exhaust on its own bound rather than looping forever.
func readProcState(tid int32) (byte, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", tid))
	if err != nil {
		return 0, err
	}
	close := bytes.LastIndexByte(data, ')')
	if close < 0 || close+2 >= len(data) {
		return 0, fmt.Errorf("unexpected /proc/%d/stat format", tid)
	}
	fields := bytes.Fields(data[close+1:])
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/%d/stat format", tid)
	}
	return fields[0][0], nil
}
