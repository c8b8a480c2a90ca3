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

	"github.com/opentracee/rrcore/pkg/hostarch"
)

func newCloneParent(s *Session, tid int32, backend *fakeBackend, w *fakeWaiter) *Task {
	parent := newFakeTask(tid, backend, w)
	s.addressSpaces[parent.vm.UID()] = parent.vm
	s.threadGroups[parent.tg.UID()] = parent.tg
	s.addTask(parent)
	return parent
}

// TestCloneTaskSharesVMWithCloneVM covers the CLONE_VM branch of clone_task
// (spec.md §4.4): the child must end up aliasing the parent's AddressSpace,
// not get a fresh one.
func TestCloneTaskSharesVMWithCloneVM(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", true, w)
	parent := newCloneParent(s, 500, backend, w)

	// The child's immediate post-clone Wait() needs a queued stop.
	w.push(501, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})

	child, err := s.CloneTask(CloneParams{
		CloneThis: parent,
		Reason:    TraceeClone,
		Flags:     CloneShareVM | CloneShareThreadGroup,
		NewTID:    501,
		NewRecTID: 501,
	})
	if err != nil {
		t.Fatalf("CloneTask: %v", err)
	}
	if child.vm != parent.vm {
		t.Fatal("CLONE_VM child did not share the parent's AddressSpace")
	}
	if child.tg != parent.tg {
		t.Fatal("CLONE_THREAD child did not share the parent's ThreadGroup")
	}
	found := false
	for _, x := range child.vm.Tasks() {
		if x == child {
			found = true
		}
	}
	if !found {
		t.Fatal("child not registered in the shared AddressSpace's task list")
	}
}

// TestCloneTaskSeparateVMWithoutCloneVM covers the non-CLONE_VM branch: a
// fork (no flags) gets its own fresh AddressSpace and ThreadGroup, and that
// AddressSpace is registered with the session (spec.md §4.4).
func TestCloneTaskSeparateVMWithoutCloneVM(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", true, w)
	parent := newCloneParent(s, 510, backend, w)

	w.push(511, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})

	child, err := s.CloneTask(CloneParams{
		CloneThis: parent,
		Reason:    TraceeClone,
		Flags:     0,
		NewTID:    511,
		NewRecTID: 511,
	})
	if err != nil {
		t.Fatalf("CloneTask: %v", err)
	}
	if child.vm == parent.vm {
		t.Fatal("fork child unexpectedly shares the parent's AddressSpace")
	}
	if child.tg == parent.tg {
		t.Fatal("fork child unexpectedly shares the parent's ThreadGroup")
	}
	if _, ok := s.addressSpaces[child.vm.UID()]; !ok {
		t.Fatal("child's new AddressSpace not registered with the session")
	}
}

// TestPostExecInstallsFreshAddressSpace covers scenario S6 (spec.md §8):
// exec on a shared address space must leave the exec'ing task with its own
// fresh AddressSpace, bumped exec_count, and a reset prname.
func TestPostExecInstallsFreshAddressSpace(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(520, backend, w)
	oldVMUID := task.vm.UID()

	// A stopped cotenant lets PostExec's syscallbuf/scratch unmap proceed
	// without the "leaking" warning path.
	cotenant := newFakeTask(521, backend, w)
	task.vm.addTask(cotenant)
	cotenant.isStopped = true

	if err := task.PostExec("/bin/new-image"); err != nil {
		t.Fatalf("PostExec: %v", err)
	}
	if task.vm.UID() == oldVMUID {
		t.Fatal("PostExec did not install a new AddressSpace")
	}
	if task.vm.UID().ExecCount != oldVMUID.ExecCount+1 {
		t.Fatalf("exec_count = %d, want %d", task.vm.UID().ExecCount, oldVMUID.ExecCount+1)
	}
	if task.prname != "new-image" {
		t.Fatalf("prname = %q, want %q", task.prname, "new-image")
	}
	found := false
	for _, x := range task.vm.Tasks() {
		if x == task {
			found = true
		}
	}
	if !found {
		t.Fatal("task not registered in its own new AddressSpace")
	}
}

// TestUnmapSyscallbufAndScratchLeaksCloner confirms the cloner's own
// syscallbuf region is left mapped while a co-tenant's syscallbuf region
// is unmapped (spec.md §4.4).
func TestUnmapSyscallbufAndScratchLeaksCloner(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	vm := NewAddressSpace(AddressSpaceUID{CreatorTID: 1}, hostarch.Addr(0x7000))

	cloner := newFakeTask(600, backend, w)
	other := newFakeTask(601, backend, w)
	cloner.vm, other.vm = vm, vm
	vm.addTask(cloner)
	vm.addTask(other)

	cloner.syscallbufChild, cloner.syscallbufSize = hostarch.Addr(0x10000), hostarch.PageSize
	other.syscallbufChild, other.syscallbufSize = hostarch.Addr(0x20000), hostarch.PageSize
	vm.Map(cloner.syscallbufChild, cloner.syscallbufSize, unix.PROT_READ|unix.PROT_WRITE, false)
	vm.Map(other.syscallbufChild, other.syscallbufSize, unix.PROT_READ|unix.PROT_WRITE, false)

	unmapSyscallbufAndScratch(vm, cloner)

	if vm.mapIndex(cloner.syscallbufChild) < 0 {
		t.Fatal("cloner's own syscallbuf was unmapped; it should be leaked")
	}
	if vm.mapIndex(other.syscallbufChild) >= 0 {
		t.Fatal("co-tenant's syscallbuf was not unmapped")
	}
}
