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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrVanished classifies "process vanished" (spec.md §7): an ESRCH from
// ptrace, or a zombie observed via /proc, which callers absorb rather than
// propagate as a hard failure, converting the task's next stop into
// PtraceEvent(EXIT).
var ErrVanished = errors.New("tracee vanished")

// IsVanished reports whether err corresponds to spec.md §7's "process
// vanished" category.
func IsVanished(err error) bool {
	return errors.Is(err, ErrVanished) || errors.Is(err, unix.ESRCH)
}

// fatalGrsecurityMPROTECTMessage builds the message safe_pwrite64 passes to
// tlog.Fatalf when a remote write fails with EPERM after it has already
// elevated the page's
// protection — the signature of a grsecurity/PaX MPROTECT restriction
// rather than an ordinary permission problem (spec.md §7).
func fatalGrsecurityMPROTECTMessage(tid int32, addr uintptr) string {
	return fmt.Sprintf(
		"task %d: write to %#x denied after protection elevation; this usually means the "+
			"kernel is running grsecurity/PaX MPROTECT. If so, exempt this binary with: "+
			"setfattr -n user.pax.flags -v \"mr\" <path-to-binary>", tid, addr)
}
