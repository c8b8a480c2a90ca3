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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/opentracee/rrcore/internal/tlog"
	"github.com/opentracee/rrcore/pkg/tracecore"
)

// spawnCmd implements subcommands.Command for "spawn": attach to a fresh
// tracee, print its initial stop, and tear the session down again.
type spawnCmd struct{}

func (*spawnCmd) Name() string     { return "spawn" }
func (*spawnCmd) Synopsis() string { return "spawn a tracee under ptrace and print its initial stop" }
func (*spawnCmd) Usage() string {
	return "spawn <path> [args...] - spawn and attach to a tracee, then detach\n"
}
func (*spawnCmd) SetFlags(*flag.FlagSet) {}

func (*spawnCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s := tracecore.NewLiveSession("tracectl-spawn", true)
	task, err := s.Spawn(tracecore.SpawnParams{
		Path: f.Arg(0),
		Args: f.Args()[1:],
	})
	if err != nil {
		tlog.Warningf("spawn: %v", err)
		return subcommands.ExitFailure
	}
	defer s.KillAllTasks()

	fmt.Printf("tid=%d recTID=%d ip=%#x sp=%#x waitStatus=%s\n",
		task.TID(), task.RecTID(), task.Regs().IP(), task.Regs().Stack(), task.WaitStatus().Kind)
	return subcommands.ExitSuccess
}
