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

//go:build linux && amd64
// +build linux,amd64

package cpuid

import "golang.org/x/sys/unix"

// ARCH_SET_CPUID, from <asm/prctl.h>. Not every kernel supports it; only
// CPUs that implement CPUID-faulting (Intel, roughly Ivy Bridge onward) do.
const archSetCPUID = 0x1012

// EnableCPUIDFault attempts to enable CPUID-faulting for the calling
// thread, so that a subsequent CPUID instruction raises SIGSEGV instead of
// executing, and can be single-stepped or trapped like any other
// instruction the tracer emulates. It is best-effort: on hosts without the
// feature, the ARCH_PRCTL fails and the tracer falls back to the
// post-CPUID-breakpoint workaround in spec.md §4.2 step 3.
//
//go:norace
func EnableCPUIDFault() bool {
	_, _, errno := unix.RawSyscall(unix.SYS_ARCH_PRCTL, archSetCPUID, 1, 0)
	return errno == 0
}
