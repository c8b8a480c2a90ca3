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

package archregs

// TrappedInstruction identifies an instruction whose single-step or
// execution the tracer must specially handle (spec.md GLOSSARY).
type TrappedInstruction int

const (
	// NotTrapped means the instruction at the resume address needs no
	// special handling.
	NotTrapped TrappedInstruction = iota
	CpuId
	Int3
	Pushf
	Pushf16
	String
)

// Lengths, in bytes, of the encodings this module recognizes. CPUID and
// INT3 have a single encoding each; PUSHF/PUSHFQ share an opcode that's
// only distinguished from the 16-bit PUSHFW form by an 0x66 prefix; the x86
// string instructions recognized here are the ones whose REP-prefixed,
// single-stepped execution the KNL erratum (spec.md §4.2 step 2, §8 S3)
// affects.
const (
	cpuidLen   = 2 // 0F A2
	int3Len    = 1 // CC
	pushfLen   = 1 // 9C
	pushf16Len = 2 // 66 9C
)

var stringOpcodes = map[byte]bool{
	0xA4: true, // MOVSB
	0xA5: true, // MOVSW/D/Q
	0xA6: true, // CMPSB
	0xA7: true, // CMPSW/D/Q
	0xAA: true, // STOSB
	0xAB: true, // STOSW/D/Q
	0xAC: true, // LODSB
	0xAD: true, // LODSW/D/Q
	0xAE: true, // SCASB
	0xAF: true, // SCASW/D/Q
}

// TrappedInstructionAt decodes the minimal prefix set needed to recognize
// the instructions spec.md's resume/wait protocol special-cases, given the
// first few bytes at a tracee's instruction pointer. It does not attempt a
// full x86 decode: only REP/REPNE string-op prefixes and the operand-size
// override (0x66) are peeled off before matching an opcode.
func TrappedInstructionAt(code []byte) (TrappedInstruction, int) {
	i := 0
	hasOperandOverride := false
	hasRep := false
prefixes:
	for i < len(code) {
		switch code[i] {
		case 0x66:
			hasOperandOverride = true
			i++
			continue
		case 0xF2, 0xF3: // REPNE / REP
			hasRep = true
			i++
			continue
		}
		break prefixes
	}
	if i >= len(code) {
		return NotTrapped, 0
	}
	op := code[i]

	if hasRep && stringOpcodes[op] {
		return String, i + 1
	}
	if op == 0xCC {
		return Int3, i + int3Len
	}
	if op == 0x9C {
		if hasOperandOverride {
			return Pushf16, i + 1
		}
		return Pushf, i + pushfLen
	}
	if !hasOperandOverride && !hasRep && op == 0x0F && i+1 < len(code) && code[i+1] == 0xA2 {
		return CpuId, i + cpuidLen
	}
	if stringOpcodes[op] {
		return String, i + 1
	}
	return NotTrapped, 0
}
