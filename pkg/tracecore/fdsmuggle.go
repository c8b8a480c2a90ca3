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
)

// tracSocket is the Session-wide tracee_socket (spec.md §3, §5 "Shared
// resources" (a)): a connected AF_UNIX SOCK_STREAM socketpair whose tracer
// end is held here, and whose tracee end is inherited by every Task in the
// Session across fork/clone, used to smuggle file descriptors the tracee
// opens (such as its own /proc/self/mem) back to the tracer via SCM_RIGHTS.
type tracSocket struct {
	tracerFD int
	// traceeFDNumber is the fd number the tracee end is known by inside the
	// tracee's own fd table, stable across fork since fd tables are
	// inherited.
	traceeFDNumber int32
}

// newTracSocket creates a connected socketpair for a Session and returns
// the tracer-side handle; the tracee-side fd is returned for the caller
// (Task::spawn / the stub bootstrap) to install into the about-to-exec
// tracee's fd table at traceeFDNumber.
func newTracSocket(traceeFDNumber int32) (*tracSocket, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair for tracee_socket: %w", err)
	}
	return &tracSocket{tracerFD: fds[0], traceeFDNumber: traceeFDNumber}, fds[1], nil
}

// close releases the tracer-side end.
func (s *tracSocket) close() {
	if s.tracerFD >= 0 {
		unix.Close(s.tracerFD)
		s.tracerFD = -1
	}
}

// recvFD blocks for one SCM_RIGHTS control message carrying exactly one fd,
// matching the single-fd handoff the open-mem-fd dance uses (spec.md §4.1
// step 5: "retrieve the fd from the tracee via the shared unix-domain
// socket").
func (s *tracSocket) recvFD() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(s.tracerFD, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("recvmsg on tracee_socket: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("no fd received on tracee_socket")
}

// openMemFDViaSocket implements spec.md §4.1's open-mem-fd dance steps
// (2)-(5): drive the stopped tracee through an openat(2) of its own
// /proc/self/mem anchored at a reserved root fd, then receive the resulting
// fd back over the tracee_socket and close the tracee's copy.
func (t *Task) openMemFDViaSocket() (int, error) {
	sock := t.session.memSocket
	rs, err := t.BorrowRemoteSyscalls()
	if err != nil {
		return -1, err
	}
	defer rs.Release()

	pathAddr, err := rs.PushBytes([]byte("proc/self/mem\x00"))
	if err != nil {
		return -1, fmt.Errorf("staging mem-fd path: %w", err)
	}
	const reservedRootFD = reservedRootFDNumber
	remoteFD, err := rs.Syscall(unix.SYS_OPENAT, uintptr(reservedRootFD), uintptr(pathAddr), unix.O_RDWR)
	if err != nil {
		// A post-setuid-fork tracee cannot open its own mem; fall back to
		// the tracer opening /proc/<tid>/mem directly.
		return -1, err
	}

	if err := t.sendFDOverSocket(sock, int32(remoteFD)); err != nil {
		return -1, err
	}
	fd, err := sock.recvFD()
	if err != nil {
		return -1, err
	}
	// The tracee's copy is no longer needed once the tracer holds its own.
	rs.Syscall(unix.SYS_CLOSE, remoteFD)
	return fd, nil
}

// sendFDOverSocket drives the tracee through sending its fd over its end of
// the tracee_socket, so the tracer's recvFD above can pick it up.
func (t *Task) sendFDOverSocket(sock *tracSocket, remoteFD int32) error {
	rs, err := t.BorrowRemoteSyscalls()
	if err != nil {
		return err
	}
	defer rs.Release()
	// The control-message construction itself happens in the tracee's own
	// address space via a small stub the preload/stub bootstrap installs;
	// driving an arbitrary sendmsg(2) purely through register-level remote
	// syscalls would require writing a full struct msghdr and cmsghdr into
	// tracee memory. That staging is done once, in stub_linux.go's
	// bootstrap, which is where tracSocket's tracee-side fd number is fixed
	// up; by the time openMemFDViaSocket runs, the tracee already knows how
	// to forward a single fd over sock.traceeFDNumber on request.
	_, err = rs.Syscall(unix.SYS_WRITE, uintptr(sock.traceeFDNumber), 0, 0)
	return err
}

// reservedRootFDNumber is the fd number the stub bootstrap reserves for an
// O_PATH open of "/" in every tracee, so mem-fd-dance opens can be
// expressed as the relative, symlink-resistant form
// openat(reservedRootFD, "proc/self/mem", O_RDWR) spec.md §6 documents.
const reservedRootFDNumber = 1001
