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
	"fmt"

	"github.com/opentracee/rrcore/pkg/archregs"
)

// decodePtraceRegs parses raw as a little-endian user_regs_struct, the
// layout PTRACE_GETREGS/SETREGS and the NT_PRSTATUS regset use (spec.md
// §4.6). Used by ptrace reflection, which only ever sees these bytes
// already copied out of the recorded program's address space; it never
// reads memory itself.
func decodePtraceRegs(raw []byte) (archregs.Registers, error) {
	if len(raw) < unsafeSizeofPtraceRegs {
		return archregs.Registers{}, fmt.Errorf("short user_regs_struct: got %d bytes, want %d", len(raw), unsafeSizeofPtraceRegs)
	}
	var r archregs.Registers
	fields := regsFieldPointers(&r)
	for i, p := range fields {
		*p = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return r, nil
}

// pokeRegsField overwrites the field-th uint64 of regs (0-indexed in
// user_regs_struct field order) with data, per PTRACE_POKEUSER's
// offset-into-struct addressing.
func pokeRegsField(regs *archregs.Registers, field uintptr, data uint64) {
	fields := regsFieldPointers(regs)
	if int(field) >= len(fields) {
		return
	}
	*fields[field] = data
}

// regsFieldPointers returns pointers to each uint64 field of r in
// user_regs_struct order, so POKEUSER-by-offset and bulk decode/encode can
// share one authoritative field list.
func regsFieldPointers(r *archregs.Registers) []*uint64 {
	return []*uint64{
		&r.R15, &r.R14, &r.R13, &r.R12, &r.Rbp, &r.Rbx, &r.R11, &r.R10,
		&r.R9, &r.R8, &r.Rax, &r.Rcx, &r.Rdx, &r.Rsi, &r.Rdi, &r.Orig_rax,
		&r.Rip, &r.Cs, &r.Eflags, &r.Rsp, &r.Ss, &r.Fs_base, &r.Gs_base,
		&r.Ds, &r.Es, &r.Fs, &r.Gs,
	}
}

// decodePtraceFPRegs parses raw as a little-endian user_fpregs_struct
// (FXSAVE layout), the shape PTRACE_GETFPREGS/SETFPREGS/SETFPXREGS use.
func decodePtraceFPRegs(raw []byte) (archregs.FPRegisters, error) {
	const size = 2 + 2 + 2 + 2 + 8 + 8 + 4 + 4 + 32*4 + 64*4 + 24*4
	if len(raw) < size {
		return archregs.FPRegisters{}, fmt.Errorf("short user_fpregs_struct: got %d bytes, want %d", len(raw), size)
	}
	var f archregs.FPRegisters
	off := 0
	f.Cwd = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.Swd = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.Ftw = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.Fop = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	f.Rip = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	f.Rdp = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	f.Mxcsr = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	f.MxcrMask = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	for i := range f.StSpace {
		f.StSpace[i] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}
	for i := range f.XmmSpace {
		f.XmmSpace[i] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}
	for i := range f.Padding {
		f.Padding[i] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}
	return f, nil
}
