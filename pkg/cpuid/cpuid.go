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

//go:build amd64
// +build amd64

// Package cpuid exposes the small slice of host CPU feature detection the
// tracee core needs: the CPUID_GETFEATURES leaf used to detect the KNL
// string-singlestep erratum (spec.md §4.2 step 2, §8 scenario S3), and
// CPUID-faulting support used to make CPUID itself single-steppable and
// trappable under replay. The KNL probe is a process-wide fact, probed once
// and memoized (see spec.md §9 "Global CPU-feature state");
// EnableCPUIDFault is not memoized and issues ARCH_SET_CPUID on every call.
package cpuid

import "sync"

//go:noescape
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)

// CPUID executes the CPUID instruction for the given leaf/subleaf on the
// calling OS thread.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid(leaf, subleaf)
}

// CPUID_GETFEATURES is leaf 0x1, which returns family/model/stepping in EAX
// and feature bits in ECX/EDX.
const CPUID_GETFEATURES = 0x1

// knlSignature is the (family, model) encoding Intel Xeon Phi (Knights
// Landing/Mill) CPUs report in EAX of leaf 0x1, masked to ignore stepping.
const knlSignature = 0x00050670
const knlSignatureMask = 0x000F0FF0

var (
	knlOnce sync.Once
	knlBug  bool
)

// HasKNLStringStepBug reports whether the host CPU has the Knights
// Landing/Mill erratum that coalesces multiple iterations of a
// single-stepped x86 string instruction (spec.md §4.2 step 2).
func HasKNLStringStepBug() bool {
	knlOnce.Do(func() {
		eax, _, _, _ := CPUID(CPUID_GETFEATURES, 0)
		knlBug = eax&knlSignatureMask == knlSignature
	})
	return knlBug
}
