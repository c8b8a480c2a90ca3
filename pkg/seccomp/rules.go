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

// Package seccomp builds the classic-BPF allow-list installed on every stub
// process (see §4.0 of SPEC_FULL.md): a minimal set of syscalls the stub and
// its children are permitted to make, everything else killing the thread.
package seccomp

import (
	"fmt"

	linux "github.com/opentracee/rrcore/pkg/abi/linux"
)

// ArgMatcher constrains a single syscall argument.
type ArgMatcher interface {
	// matchAny reports whether this matcher accepts any argument value
	// without emitting a comparison.
	matchAny() bool
	// value returns the exact value required when matchAny is false.
	// Only the low 32 bits are compared: every rule in this package
	// constrains small flag words, never full 64-bit pointers.
	value() uint32
}

// EqualTo requires the argument to equal v exactly (low 32 bits).
type EqualTo uintptr

func (e EqualTo) matchAny() bool { return false }
func (e EqualTo) value() uint32  { return uint32(e) }

// MatchAny accepts any value for the argument.
type MatchAny struct{}

func (MatchAny) matchAny() bool { return true }
func (MatchAny) value() uint32  { return 0 }

// Rule constrains a syscall's arguments positionally: Rule[i] constrains
// argument i. A Rule is satisfied when every one of its matchers is
// satisfied. An empty Rule (and an empty []Rule for a syscall) means
// "match unconditionally".
type Rule []ArgMatcher

// SyscallRules maps a syscall number to the set of Rules that allow it; any
// one matching Rule is sufficient (rules within a syscall are OR'd).
type SyscallRules map[uintptr][]Rule

// RuleSet pairs a SyscallRules table with the action to take when one of
// its rules matches.
type RuleSet struct {
	Rules  SyscallRules
	Action linux.BPFAction
}

func (r Rule) String() string {
	return fmt.Sprintf("%d arg matcher(s)", len(r))
}
