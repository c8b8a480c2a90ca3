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

// stepCmd implements subcommands.Command for "step": single-step a fresh
// tracee a fixed number of times, printing the trap classification and IP
// after each stop.
type stepCmd struct {
	count int
}

func (*stepCmd) Name() string     { return "step" }
func (*stepCmd) Synopsis() string { return "single-step a tracee and print each trap" }
func (*stepCmd) Usage() string {
	return "step [-n count] <path> [args...] - spawn a tracee and single-step it\n"
}
func (c *stepCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.count, "n", 10, "number of single-steps to perform")
}

func (c *stepCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s := tracecore.NewLiveSession("tracectl-step", true)
	task, err := s.Spawn(tracecore.SpawnParams{
		Path: f.Arg(0),
		Args: f.Args()[1:],
	})
	if err != nil {
		tlog.Warningf("spawn: %v", err)
		return subcommands.ExitFailure
	}
	defer s.KillAllTasks()

	for i := 0; i < c.count && task.IsStopped(); i++ {
		if err := task.ResumeExecution(tracecore.ResumeSinglestep, tracecore.ResumeWait,
			tracecore.TicksRequest{Kind: tracecore.ResumeNoTicks}, 0); err != nil {
			tlog.Warningf("resume_execution: %v", err)
			return subcommands.ExitFailure
		}
		if !task.IsStopped() {
			fmt.Printf("step %d: tracee left the stopped state (%s)\n", i, task.WaitStatus().Kind)
			break
		}

		reason, err := task.ClassifyTrap()
		if err != nil {
			tlog.Warningf("classify_trap: %v", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("step %d: ip=%#x singlestep=%v watchpoint=%v breakpoint=%v\n",
			i, task.Regs().IP(), reason.Singlestep, reason.Watchpoint, reason.Breakpoint)
	}

	stats := s.Statistics()
	fmt.Printf("bytes_written=%d ticks_processed=%d syscalls_performed=%d\n",
		stats.BytesWritten, stats.TicksProcessed, stats.SyscallsPerformed)
	return subcommands.ExitSuccess
}
