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
)

func newFakeSessionTask(s *Session, tid int32, backend *fakeBackend, w *fakeWaiter) *Task {
	t := newFakeTask(tid, backend, w)
	s.addressSpaces[t.vm.UID()] = t.vm
	s.threadGroups[t.tg.UID()] = t.tg
	s.addTask(t)
	return t
}

// TestSessionAddTaskRejectsDuplicateTID enforces invariant (a): at most one
// Task per tid globally.
func TestSessionAddTaskRejectsDuplicateTID(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", true, w)
	newFakeSessionTask(s, 400, backend, w)

	dup := newFakeTask(400, backend, w)
	defer func() {
		if recover() == nil {
			t.Fatal("addTask did not fail fatally on a duplicate tid")
		}
	}()
	s.addTask(dup)
}

// TestSessionRemoveTaskNotifiesDestroyOnLastMember confirms removeTask
// drops the AddressSpace/ThreadGroup entries once their last Task leaves.
func TestSessionRemoveTaskNotifiesDestroyOnLastMember(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", false, w)
	task := newFakeSessionTask(s, 401, backend, w)

	vmUID := task.vm.UID()
	tgUID := task.tg.UID()

	s.removeTask(task)

	if _, ok := s.addressSpaces[vmUID]; ok {
		t.Fatal("AddressSpace not removed after last task left")
	}
	if _, ok := s.threadGroups[tgUID]; ok {
		t.Fatal("ThreadGroup not removed after last task left")
	}
	if _, ok := s.tasks[task.tid]; ok {
		t.Fatal("task still present after removeTask")
	}
}

// TestKillAllTasksDrainsEverything covers scenario S5 (spec.md §8): an
// orderly shutdown must leave every map empty and the thread group marked
// unstable. The one stopped task here goes through the detach phase and
// then the SIGKILL phase; its tgkill target doesn't correspond to a live
// kernel thread, which this package treats as an already-gone task: ESRCH
// is tolerated, not escalated.
func TestKillAllTasksDrainsEverything(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", true, w)

	const fakeTID = int32(987654321)
	task := newFakeSessionTask(s, fakeTID, backend, w)
	task.isStopped = true

	s.KillAllTasks()

	if len(s.tasks) != 0 {
		t.Fatalf("tasks map not drained: %v", s.tasks)
	}
	if len(s.addressSpaces) != 0 {
		t.Fatalf("addressSpaces map not drained: %v", s.addressSpaces)
	}
	if len(s.threadGroups) != 0 {
		t.Fatalf("threadGroups map not drained: %v", s.threadGroups)
	}
	if !task.tg.unstable {
		t.Fatal("thread group not marked unstable after kill_all_tasks")
	}
}

// TestDestroyTaskDetachesAndRemoves exercises the ordinary (non-fleet-wide)
// task destructor.
func TestDestroyTaskDetachesAndRemoves(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	s := NewSession("test", false, w)
	task := newFakeSessionTask(s, 402, backend, w)

	if err := s.DestroyTask(task); err != nil {
		t.Fatalf("DestroyTask: %v", err)
	}
	if _, ok := s.tasks[task.tid]; ok {
		t.Fatal("task still present after DestroyTask")
	}
}
