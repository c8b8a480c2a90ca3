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

package seccomp

import (
	"fmt"
	"sort"

	"golang.org/x/net/bpf"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
)

// offsets into struct seccomp_data, see pkg/abi/linux.SeccompData.
const (
	offNr  = 0
	offArch = 4
)

// offArgLow returns the offset of the low 32 bits of syscall argument i.
func offArgLow(i int) uint32 { return uint32(16 + 8*i) }

// BuildProgram assembles rules into a classic-BPF program suitable for
// PR_SET_SECCOMP(SECCOMP_MODE_FILTER). defaultAction is returned for any
// syscall not matched by rules; badArchAction is returned if the calling
// thread's audit architecture isn't x86-64 (SeccompData.Arch mismatch).
//
// The program has the shape:
//
//	if arch != AUDIT_ARCH_X86_64: return badArchAction
//	load nr
//	for each syscall in rules (stable, sorted order):
//	    if nr == syscall:
//	        for each rule (OR'd):
//	            if all of rule's positional arg matchers hold: return action
//	        # no rule matched: reload nr and fall through to the next
//	        # comparison, ending at the default action
//	return defaultAction
func BuildProgram(rules []RuleSet, defaultAction, badArchAction linux.BPFAction) ([]linux.BPFInstruction, error) {
	var insns []bpf.Instruction

	insns = append(insns, bpf.LoadAbsolute{Off: offArch, Size: 4})
	archCheck := len(insns)
	insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: linux.AUDIT_ARCH_X86_64})
	insns = append(insns, bpf.RetConstant{Val: uint32(badArchAction)})
	// Skip the bad-arch return on a match; fall into it otherwise.
	insns[archCheck] = bpf.JumpIf{Cond: bpf.JumpEqual, Val: linux.AUDIT_ARCH_X86_64, SkipTrue: 1, SkipFalse: 0}

	insns = append(insns, bpf.LoadAbsolute{Off: offNr, Size: 4})

	// Merge every RuleSet's syscalls into one ordered walk so that two
	// RuleSets naming the same syscall number compose (first match wins,
	// matching how the teacher appends an additional RuleSet of allowed
	// calls ahead of the default-deny RuleSet).
	type syscallEntry struct {
		nr     uintptr
		rules  []Rule
		action linux.BPFAction
	}
	var entries []syscallEntry
	for _, rs := range rules {
		for nr, rrules := range rs.Rules {
			entries = append(entries, syscallEntry{nr, rrules, rs.Action})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].nr < entries[j].nr })

	for _, e := range entries {
		cmpIdx := len(insns)
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(e.nr)})

		blockStart := len(insns)
		if err := appendRuleBlock(&insns, e.rules, e.action); err != nil {
			return nil, fmt.Errorf("syscall %d: %w", e.nr, err)
		}
		// A rule block's argument loads leave an argument in A; restore nr
		// for the comparisons that follow the block's fallthrough.
		insns = append(insns, bpf.LoadAbsolute{Off: offNr, Size: 4})
		blockLen := len(insns) - blockStart

		if blockLen > 0xff {
			return nil, fmt.Errorf("syscall %d: rule block too large to encode (%d insns)", e.nr, blockLen)
		}
		insns[cmpIdx] = bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(e.nr), SkipTrue: 0, SkipFalse: uint8(blockLen)}
	}

	insns = append(insns, bpf.RetConstant{Val: uint32(defaultAction)})

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assembling seccomp program: %w", err)
	}
	out := make([]linux.BPFInstruction, len(raw))
	for i, r := range raw {
		out[i] = linux.BPFInstruction{OpCode: r.Op, JumpIfTrue: r.Jt, JumpIfFalse: r.Jf, K: r.K}
	}
	return out, nil
}

// appendRuleBlock emits, for a single syscall's []Rule (OR'd together), a
// sequence that returns action if any rule's matchers all hold, and
// otherwise falls through to the next instruction after the block (handled
// by the caller, which computes the block's total length).
func appendRuleBlock(insns *[]bpf.Instruction, rules []Rule, action linux.BPFAction) error {
	if len(rules) == 0 {
		// No constraints: this syscall is allowed unconditionally.
		*insns = append(*insns, bpf.RetConstant{Val: uint32(action)})
		return nil
	}

	// retIdx is patched once we know the block's final length so that every
	// satisfied rule can jump straight to the single shared return.
	var pendingRetJumps []int

	for ruleIdx, rule := range rules {
		var pendingFail []int
		for pos, m := range rule {
			if m.matchAny() {
				continue
			}
			*insns = append(*insns, bpf.LoadAbsolute{Off: offArgLow(pos), Size: 4})
			jIdx := len(*insns)
			*insns = append(*insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: m.value()})
			pendingFail = append(pendingFail, jIdx)
		}

		// All of this rule's checks passed (or it had none): jump to the
		// shared return. Recorded for patching once we append it.
		retJumpIdx := len(*insns)
		*insns = append(*insns, bpf.Jump{Skip: 0})
		pendingRetJumps = append(pendingRetJumps, retJumpIdx)

		// Patch each failed-check jump in this rule to land here, at the
		// start of the next rule's checks (or, for the last rule, at the
		// fallthrough point computed below).
		nextRuleStart := len(*insns)
		for _, idx := range pendingFail {
			orig := (*insns)[idx].(bpf.JumpIf)
			skip := nextRuleStart - idx - 1
			if skip < 0 || skip > 0xff {
				return fmt.Errorf("rule %d: jump distance %d out of range", ruleIdx, skip)
			}
			orig.SkipTrue = 0
			orig.SkipFalse = uint8(skip)
			(*insns)[idx] = orig
		}
	}

	// Fallthrough point: none of the rules matched.
	fallthroughIdx := len(*insns)
	*insns = append(*insns, bpf.Jump{Skip: 0})
	fallIdx := fallthroughIdx

	retIdx := len(*insns)
	*insns = append(*insns, bpf.RetConstant{Val: uint32(action)})

	for _, idx := range pendingRetJumps {
		skip := retIdx - idx - 1
		if skip < 0 || skip > 0xff {
			return fmt.Errorf("jump distance %d out of range", skip)
		}
		(*insns)[idx] = bpf.Jump{Skip: uint32(skip)}
	}
	// The "no rule matched" jump falls through to whatever the caller
	// appends next (the next syscall's comparison, or the default return);
	// that's exactly the instruction immediately after this one, so Skip=0
	// is already correct — but bpf.Jump always executes, so instead make it
	// a zero-length no-op by skipping past only the return we just emitted.
	skipPastRet := retIdx - fallIdx // number of instructions between the
	// fallthrough jump and the instruction after RetConstant.
	(*insns)[fallIdx] = bpf.Jump{Skip: uint32(skipPastRet)}

	return nil
}
