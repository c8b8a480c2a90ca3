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

import "fmt"

// AddressSpaceUID and ThreadGroupUID are (creator_tid, creator_serial[,
// exec_count]) tuples, stable under tid recycling (spec.md §3 "Session").
type AddressSpaceUID struct {
	CreatorTID    int32
	CreatorSerial uint64
	ExecCount     uint64
}

func (u AddressSpaceUID) String() string {
	return fmt.Sprintf("vm{tid=%d serial=%d exec=%d}", u.CreatorTID, u.CreatorSerial, u.ExecCount)
}

// ThreadGroupUID identifies a ThreadGroup across tid recycling.
type ThreadGroupUID struct {
	CreatorTID    int32
	CreatorSerial uint64
}

func (u ThreadGroupUID) String() string {
	return fmt.Sprintf("tg{tid=%d serial=%d}", u.CreatorTID, u.CreatorSerial)
}

// CloneReason distinguishes why clone_task was invoked (spec.md §4.4).
type CloneReason int

const (
	// TraceeClone models the tracee's own clone/fork/vfork call.
	TraceeClone CloneReason = iota
	// SessionClone is used only for checkpoint/restore: cloning a task
	// into a different Session.
	SessionClone
)
