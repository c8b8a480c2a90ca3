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
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/opentracee/rrcore/pkg/hostarch"
)

// TestReadBytesFallibleZeroLength covers spec.md §8's boundary behavior:
// read_bytes_fallible(_, 0) == Ok(0) without touching /proc/<tid>/mem.
func TestReadBytesFallibleZeroLength(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(100, backend, w)

	n, err := task.ReadBytesFallible(hostarch.Addr(0x1000), nil)
	if err != nil || n != 0 {
		t.Fatalf("ReadBytesFallible(_, 0) = (%d, %v), want (0, nil)", n, err)
	}
}

// TestReadWriteBytesLocalMapping exercises the local-mapping fast path
// read/write round trip (spec.md §4.1, "local mapping").
func TestReadWriteBytesLocalMapping(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(101, backend, w)

	local := make([]byte, 4096)
	task.vm.maps = []mapping{{
		start:  hostarch.Addr(0x400000),
		end:    hostarch.Addr(0x401000),
		prot:   unix.PROT_READ | unix.PROT_WRITE,
		shared: false,
		local:  local,
	}}

	want := []byte("hello, tracee")
	if err := task.WriteBytesHelper(hostarch.Addr(0x400010), want, WriteNormal); err != nil {
		t.Fatalf("WriteBytesHelper: %v", err)
	}

	got := make([]byte, len(want))
	n, err := task.ReadBytesFallible(hostarch.Addr(0x400010), got)
	if err != nil {
		t.Fatalf("ReadBytesFallible: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q (n=%d), want %q", got, n, want)
	}
}

// TestReadCStringCrossesPageBoundary covers spec.md §8's cross-page C-string
// read boundary behavior: a string starting a few bytes before a page
// boundary must be read in two page-sized chunks, stopping at the first 0
// byte on the second page without reading past it.
func TestReadCStringCrossesPageBoundary(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(104, backend, w)

	local := make([]byte, 2*hostarch.PageSize)
	task.vm.maps = []mapping{{
		start:  hostarch.Addr(0x700000),
		end:    hostarch.Addr(0x700000 + 2*hostarch.PageSize),
		prot:   unix.PROT_READ | unix.PROT_WRITE,
		shared: false,
		local:  local,
	}}

	// "ABCDE" occupies the last 5 bytes of the first page; "XY\0" starts
	// the second page, so the read must span both.
	const addr = hostarch.Addr(0x700000 + hostarch.PageSize - 5)
	copy(local[hostarch.PageSize-5:hostarch.PageSize], "ABCDE")
	copy(local[hostarch.PageSize:hostarch.PageSize+3], "XY\x00")

	got, err := task.ReadCString(addr)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if want := "ABCDEXY"; string(got) != want {
		t.Fatalf("ReadCString = %q, want %q", got, want)
	}
}

// TestSafePwrite64ElevatesProtNone covers scenario S1 (spec.md §8): a write
// to a PROT_NONE page temporarily elevates protection via a remote mprotect
// syscall, performs the write, and restores the original protection
// afterward regardless of outcome.
func TestSafePwrite64ElevatesProtNone(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(102, backend, w)

	tmp, err := os.CreateTemp("", "tracecore-mem-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := tmp.Truncate(4096); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	task.vm.SetMemFD(int(tmp.Fd()))

	const page = hostarch.Addr(0x500000)
	task.vm.Map(page, hostarch.PageSize, unix.PROT_NONE, false)

	// The remote mprotect issued by safePwrite64 goes through
	// BorrowRemoteSyscalls -> ResumeExecution -> backend.Cont, so the fake
	// waiter must hand back an immediate stop for that nested resume — once
	// to elevate PROT_NONE to RW, once more to restore it afterward.
	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})
	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})

	payload := []byte("patched")
	if err := task.WriteBytesHelper(page+16, payload, WriteNormal); err != nil {
		t.Fatalf("WriteBytesHelper into PROT_NONE page: %v", err)
	}

	prot, _, ok := task.vm.ProtectionAt(page)
	if !ok {
		t.Fatalf("page %#x no longer tracked", page)
	}
	if prot != unix.PROT_NONE {
		t.Fatalf("protection not restored: got %#x, want PROT_NONE", prot)
	}

	readBack := make([]byte, len(payload))
	if _, err := unix.Pread(int(tmp.Fd()), readBack, int64(page+16)); err != nil {
		t.Fatalf("Pread verifying write: %v", err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Fatalf("write did not land: got %q, want %q", readBack, payload)
	}
}

// TestSafePwrite64PokeFallbackRestoresProtection exercises the
// PTRACE_POKEDATA fallback (no mem_fd installed) together with the
// protection-fixup dance over a read-only shared page.
func TestSafePwrite64PokeFallbackRestoresProtection(t *testing.T) {
	backend := newFakeBackend()
	w := newFakeWaiter()
	task := newFakeTask(103, backend, w)

	const page = hostarch.Addr(0x600000)
	task.vm.Map(page, hostarch.PageSize, unix.PROT_READ, true)
	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})
	w.push(task.tid, WaitStatus{Kind: StopSig, Signal: unix.SIGTRAP})

	if err := task.WriteBytesHelper(page+4, []byte{1, 2, 3}, WriteNormal); err != nil {
		t.Fatalf("WriteBytesHelper via poke fallback: %v", err)
	}

	prot, shared, ok := task.vm.ProtectionAt(page)
	if !ok || !shared || prot != unix.PROT_READ {
		t.Fatalf("protection bookkeeping corrupted: prot=%#x shared=%v ok=%v", prot, shared, ok)
	}
}
