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

package archregs

import linux "github.com/opentracee/rrcore/pkg/abi/linux"

// longModeCS is the selector Linux's fixed x86-64 GDT assigns to the
// 64-bit user code segment (GDT_ENTRY_DEFAULT_USER_CS, ring 3). A 32-bit
// (compat-mode) tracee instead runs with CS == compatCS.
//
// spec.md §9 documents this as issuing a synchronous LAR against the
// tracee's selector on the tracer's own CPU; LAR's access-rights word bit
// 21 is the long-mode bit this module compares against. Because Linux's
// GDT entry numbering for these two segments is fixed process-wide (the
// same Open Question spec.md §9 flags: "correct only because the GDT
// entry numbering is fixed globally by Linux"), comparing the selector
// value directly is equivalent to querying the AR bit via LAR and avoids
// depending on the host assembler's support for an instruction (LAR) that
// sees no other use in this codebase.
const (
	longModeCS = 0x33
	compatCS   = 0x23
)

func isLongModeSegment(cs uint16) bool {
	return cs&^0x3 == longModeCS&^0x3
}

// accessRightsLongModeBit is the bit position within a segment's
// access-rights word (as LAR would return it) that flags a 64-bit code
// segment. Recorded here for documentation parity with spec.md §9; this
// module derives the same fact from the selector value (isLongModeSegment)
// rather than by executing LAR.
const accessRightsLongModeBit = linux.LongModeSegmentBit
