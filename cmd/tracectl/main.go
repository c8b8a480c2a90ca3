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

// Binary tracectl is a manual smoke-testing harness for pkg/tracecore: it
// spawns a tracee under a fresh Session (the spawn command) or single-steps
// it for a fixed instruction count (the step command), and prints the
// resulting register and trap classification after each stop. It is not part of the record/replay
// protocol itself, only a way to drive one Session by hand.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/opentracee/rrcore/internal/tlog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(spawnCmd), "")
	subcommands.Register(new(stepCmd), "")

	flag.Parse()
	tlog.SetLevel(tlog.Info)
	os.Exit(int(subcommands.Execute(context.Background())))
}
