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
	"encoding/binary"
	"testing"

	"github.com/opentracee/rrcore/pkg/archregs"
)

// TestDecodePtraceRegsFieldOrder confirms decodePtraceRegs and
// regsFieldPointers agree on user_regs_struct field order: encoding a
// distinct value per field and decoding must round-trip every field to its
// own position, not a neighbor's.
func TestDecodePtraceRegsFieldOrder(t *testing.T) {
	var want archregs.Registers
	ptrs := regsFieldPointers(&want)
	raw := make([]byte, unsafeSizeofPtraceRegs)
	for i, p := range ptrs {
		*p = uint64(i + 1)
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(i+1))
	}

	got, err := decodePtraceRegs(raw)
	if err != nil {
		t.Fatalf("decodePtraceRegs: %v", err)
	}
	if got != want {
		t.Fatalf("decodePtraceRegs round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

// TestDecodePtraceRegsRejectsShortBuffer guards the bounds check.
func TestDecodePtraceRegsRejectsShortBuffer(t *testing.T) {
	if _, err := decodePtraceRegs(make([]byte, 8)); err == nil {
		t.Fatal("decodePtraceRegs accepted a too-short buffer")
	}
}

// TestPokeRegsFieldOutOfRangeIsNoop confirms an out-of-range field index is
// ignored rather than panicking (POKEUSER reflection passes attacker- or
// bug-controlled offsets through this path).
func TestPokeRegsFieldOutOfRangeIsNoop(t *testing.T) {
	var r archregs.Registers
	pokeRegsField(&r, 9999, 0x42)
	var zero archregs.Registers
	if r != zero {
		t.Fatal("out-of-range pokeRegsField mutated the register struct")
	}
}
