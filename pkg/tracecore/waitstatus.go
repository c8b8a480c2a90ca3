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
)

// WaitStatusKind discriminates the decoded shape of a WaitStatus, per
// spec.md §3's wait_status union.
type WaitStatusKind int

const (
	Exited WaitStatusKind = iota
	FatalSig
	StopSig
	GroupStop
	PtraceEvent
	SyscallStop
)

func (k WaitStatusKind) String() string {
	switch k {
	case Exited:
		return "Exited"
	case FatalSig:
		return "FatalSig"
	case StopSig:
		return "StopSig"
	case GroupStop:
		return "GroupStop"
	case PtraceEvent:
		return "PtraceEvent"
	case SyscallStop:
		return "SyscallStop"
	default:
		return fmt.Sprintf("WaitStatusKind(%d)", int(k))
	}
}

// WaitStatus is a decoded waitpid(2) status: exactly one of
// {Exited(code), FatalSig(sig), StopSig(sig), GroupStop(sig),
// PtraceEvent(ev), SyscallStop}, per spec.md §3.
type WaitStatus struct {
	Kind WaitStatusKind

	// ExitCode is valid iff Kind == Exited.
	ExitCode int
	// Signal is valid iff Kind is FatalSig, StopSig or GroupStop.
	Signal unix.Signal
	// Event is valid iff Kind == PtraceEvent: a PTRACE_EVENT_* constant.
	Event int
}

// DecodeWaitStatus interprets a raw unix.WaitStatus the way spec.md §3
// requires: a plain SIGTRAP-family stop is a StopSig unless its high byte
// encodes a ptrace-event or it is specifically a post-PTRACE_O_TRACESYSGOOD
// syscall-stop (isSyscallStop reports whether PTRACE_O_TRACESYSGOOD is set
// and bit 0x80 is set on the signal, which the caller determines from
// context since unix.WaitStatus alone cannot distinguish a syscall-stop
// from an ordinary SIGTRAP|0x80 group-stop).
func DecodeWaitStatus(ws unix.WaitStatus, isSyscallStop bool) WaitStatus {
	switch {
	case ws.Exited():
		return WaitStatus{Kind: Exited, ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		return WaitStatus{Kind: FatalSig, Signal: ws.Signal()}
	case ws.Stopped():
		sig := ws.StopSignal()
		if ev := ws.TrapCause(); sig == unix.SIGTRAP && ev != 0 {
			return WaitStatus{Kind: PtraceEvent, Event: ev}
		}
		if sig&^0x80 == unix.SIGTRAP && isSyscallStop {
			return WaitStatus{Kind: SyscallStop}
		}
		if isGroupStopSignal(sig) && ws.StopSignal() != 0 {
			return WaitStatus{Kind: GroupStop, Signal: sig}
		}
		return WaitStatus{Kind: StopSig, Signal: sig}
	default:
		return WaitStatus{Kind: StopSig, Signal: 0}
	}
}

// PtraceEventExit synthesizes the WaitStatus did_waitpid and Session's
// shutdown path use when a real wait races with process death (spec.md
// §4.2 step 2, §7 "process vanished").
func PtraceEventExit() WaitStatus {
	return WaitStatus{Kind: PtraceEvent, Event: linux.PTRACE_EVENT_EXIT}
}

// isGroupStopSignal reports whether sig is one of the job-control signals
// that produce a group-stop rather than a plain signal-delivery-stop when
// the tracer hasn't set PTRACE_O_TRACESYSGOOD/SEIZE semantics apply. The
// actual distinction between GroupStop and StopSig in real ptrace requires
// PTRACE_GETSIGINFO returning ESRCH or consulting /proc/<tid>/stat; this
// heuristic looks at the signal number only, and did_waitpid takes the
// resulting Kind as given.
func isGroupStopSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	default:
		return false
	}
}
