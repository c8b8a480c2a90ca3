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
	"unsafe"

	"golang.org/x/sys/unix"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
	"github.com/opentracee/rrcore/pkg/archregs"
)

// realBackend issues actual ptrace(2) syscalls; it is the ptraceBackend a
// live Session wires up (tests use fakeBackend from faketracee_test.go
// instead, per this package's "depend on behavior, not a kernel" design,
// spec.md §9).
type realBackend struct{}

var _ ptraceBackend = realBackend{}

func ptraceRaw(request uintptr, tid int32, addr, data uintptr) (uintptr, unix.Errno) {
	ret, _, errno := unix.Syscall6(unix.SYS_PTRACE, request, uintptr(tid), addr, data, 0, 0)
	return ret, errno
}

func (realBackend) Attach(tid int32) error {
	_, errno := ptraceRaw(linux.PTRACE_ATTACH, tid, 0, 0)
	return errnoOrNil(errno)
}

func (realBackend) Detach(tid int32, sig unix.Signal) error {
	_, errno := ptraceRaw(linux.PTRACE_DETACH, tid, 0, uintptr(sig))
	return errnoOrNil(errno)
}

func (realBackend) Seize(tid int32, options int32) error {
	_, errno := ptraceRaw(linux.PTRACE_SEIZE, tid, 0, uintptr(options))
	return errnoOrNil(errno)
}

func (realBackend) SetOptions(tid int32, options int32) error {
	_, errno := ptraceRaw(linux.PTRACE_SETOPTIONS, tid, 0, uintptr(options))
	return errnoOrNil(errno)
}

func (realBackend) Interrupt(tid int32) error {
	_, errno := ptraceRaw(linux.PTRACE_INTERRUPT, tid, 0, 0)
	return errnoOrNil(errno)
}

func (realBackend) Cont(tid int32, sig unix.Signal) error {
	_, errno := ptraceRaw(linux.PTRACE_CONT, tid, 0, uintptr(sig))
	return errnoOrNil(errno)
}

func (realBackend) SingleStep(tid int32, sig unix.Signal) error {
	_, errno := ptraceRaw(linux.PTRACE_SINGLESTEP, tid, 0, uintptr(sig))
	return errnoOrNil(errno)
}

func (realBackend) Sysemu(tid int32, sig unix.Signal) error {
	_, errno := ptraceRaw(linux.PTRACE_SYSEMU, tid, 0, uintptr(sig))
	return errnoOrNil(errno)
}

func (realBackend) SysemuSingleStep(tid int32, sig unix.Signal) error {
	_, errno := ptraceRaw(linux.PTRACE_SYSEMU_SINGLESTEP, tid, 0, uintptr(sig))
	return errnoOrNil(errno)
}

func (realBackend) GetRegs(tid int32, regs *archregs.Registers) error {
	_, errno := ptraceRaw(linux.PTRACE_GETREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return errnoOrNil(errno)
}

func (realBackend) SetRegs(tid int32, regs *archregs.Registers) error {
	_, errno := ptraceRaw(linux.PTRACE_SETREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return errnoOrNil(errno)
}

func (realBackend) GetFPRegs(tid int32, regs *archregs.FPRegisters) error {
	_, errno := ptraceRaw(linux.PTRACE_GETFPREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return errnoOrNil(errno)
}

func (realBackend) SetFPRegs(tid int32, regs *archregs.FPRegisters) error {
	_, errno := ptraceRaw(linux.PTRACE_SETFPREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return errnoOrNil(errno)
}

// iovec mirrors struct iovec for PTRACE_GETREGSET/SETREGSET.
type iovec struct {
	base uintptr
	len  uintptr
}

func (realBackend) GetRegSet(tid int32, which uintptr, maxlen int) ([]byte, error) {
	buf := make([]byte, maxlen)
	iov := iovec{base: uintptr(unsafe.Pointer(&buf[0])), len: uintptr(maxlen)}
	_, errno := ptraceRaw(linux.PTRACE_GETREGSET, tid, which, uintptr(unsafe.Pointer(&iov)))
	if errno != 0 {
		return nil, errnoOrNil(errno)
	}
	return buf[:iov.len], nil
}

func (realBackend) SetRegSet(tid int32, which uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	iov := iovec{base: uintptr(unsafe.Pointer(&data[0])), len: uintptr(len(data))}
	_, errno := ptraceRaw(linux.PTRACE_SETREGSET, tid, which, uintptr(unsafe.Pointer(&iov)))
	return errnoOrNil(errno)
}

func (realBackend) PeekUser(tid int32, addr uintptr) (uintptr, error) {
	var data uintptr
	_, errno := ptraceRaw(linux.PTRACE_PEEKUSER, tid, addr, uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return 0, errnoOrNil(errno)
	}
	return data, nil
}

func (realBackend) PokeUser(tid int32, addr, data uintptr) error {
	_, errno := ptraceRaw(linux.PTRACE_POKEUSER, tid, addr, data)
	return errnoOrNil(errno)
}

func (realBackend) GetSigInfo(tid int32) (*unix.Siginfo, error) {
	var si unix.Siginfo
	_, errno := ptraceRaw(linux.PTRACE_GETSIGINFO, tid, 0, uintptr(unsafe.Pointer(&si)))
	if errno != 0 {
		return nil, errnoOrNil(errno)
	}
	return &si, nil
}

func (realBackend) GetEventMsg(tid int32) (uintptr, error) {
	var msg uintptr
	_, errno := ptraceRaw(linux.PTRACE_GETEVENTMSG, tid, 0, uintptr(unsafe.Pointer(&msg)))
	if errno != 0 {
		return 0, errnoOrNil(errno)
	}
	return msg, nil
}

func (realBackend) ArchPrctl(tid int32, code int, addr uintptr) error {
	_, errno := ptraceRaw(linux.PTRACE_ARCH_PRCTL, tid, addr, uintptr(code))
	return errnoOrNil(errno)
}

func errnoOrNil(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}

// NewLiveSession constructs a Session backed by real wait4(2) calls, for
// callers outside this package that want to drive an actual kernel tracee
// fleet (cmd/tracectl) rather than a replay-time reconstruction.
func NewLiveSession(id string, recording bool) *Session {
	return NewSession(id, recording, realWaiter{})
}

// realWaiter implements waiter over unix.Wait4, passing opts (including
// __WALL and WNOHANG) to the kernel unchanged.
type realWaiter struct{}

func (realWaiter) Wait(pid int32, opts int) (WaitStatus, int32, error) {
	var ws unix.WaitStatus
	gotPID, err := unix.Wait4(int(pid), &ws, opts, nil)
	if err != nil {
		return WaitStatus{}, 0, err
	}
	isSyscallStop := ws.Stopped() && ws.StopSignal() == unix.SIGTRAP|syscallStopBit
	return DecodeWaitStatus(ws, isSyscallStop), int32(gotPID), nil
}

// syscallStopBit is the 0x80 high bit PTRACE_O_TRACESYSGOOD ORs onto
// SIGTRAP on syscall-stops.
const syscallStopBit = 0x80
