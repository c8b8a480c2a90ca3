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

// ThreadGroup is the set of Tasks sharing a tgid (spec.md §3, §6's
// ThreadGroupContract).
type ThreadGroup struct {
	uid      ThreadGroupUID
	realTGID int32
	unstable bool
	tasks    []*Task
}

// NewThreadGroup constructs a ThreadGroup rooted at the task with kernel
// thread-group id tgid.
func NewThreadGroup(uid ThreadGroupUID, tgid int32) *ThreadGroup {
	return &ThreadGroup{uid: uid, realTGID: tgid}
}

func (tg *ThreadGroup) UID() ThreadGroupUID { return tg.uid }

// RealTGID returns the kernel thread-group id, used as tgkill's pid
// argument during fleet shutdown (spec.md §4.5).
func (tg *ThreadGroup) RealTGID() int32 { return tg.realTGID }

// Destabilize marks the group unstable (spec.md §3 invariant (f)): a task
// in an unstable group may skip clean shutdown, since something has
// already gone wrong with an orderly per-task teardown for this group.
func (tg *ThreadGroup) Destabilize() { tg.unstable = true }

// Tasks returns every Task in this ThreadGroup.
func (tg *ThreadGroup) Tasks() []*Task {
	out := make([]*Task, len(tg.tasks))
	copy(out, tg.tasks)
	return out
}

func (tg *ThreadGroup) addTask(t *Task) {
	tg.tasks = append(tg.tasks, t)
}

func (tg *ThreadGroup) removeTask(t *Task) {
	for i, x := range tg.tasks {
		if x == t {
			tg.tasks = append(tg.tasks[:i], tg.tasks[i+1:]...)
			return
		}
	}
}
