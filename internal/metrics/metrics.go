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

// Package metrics exports a Session's cumulative Statistics (spec.md §3:
// bytes_written, ticks_processed, syscalls_performed) as Prometheus
// counters, one registry per Session so that multiple sessions in a single
// process (e.g. checkpoint/restore, spec.md §4.4) don't collide.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionCounters holds the Prometheus counters backing one Session's
// Statistics.
type SessionCounters struct {
	BytesWritten      prometheus.Counter
	TicksProcessed    prometheus.Counter
	SyscallsPerformed prometheus.Counter

	registry *prometheus.Registry
}

// NewSessionCounters creates a fresh, independently registered counter set
// labeled with the session's id (the id string the Session was created with).
func NewSessionCounters(sessionID string) *SessionCounters {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"session": sessionID}
	c := &SessionCounters{
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tracecore_bytes_written_total",
			Help:        "Cumulative bytes written into tracee address spaces via remote memory I/O.",
			ConstLabels: labels,
		}),
		TicksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tracecore_ticks_processed_total",
			Help:        "Cumulative retired-conditional-branch ticks observed across all tasks.",
			ConstLabels: labels,
		}),
		SyscallsPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tracecore_syscalls_performed_total",
			Help:        "Cumulative syscalls performed on behalf of tasks via auto-remote-syscall scopes.",
			ConstLabels: labels,
		}),
		registry: reg,
	}
	reg.MustRegister(c.BytesWritten, c.TicksProcessed, c.SyscallsPerformed)
	return c
}

// Registry returns the counters' private registry, suitable for mounting
// under an HTTP handler by a caller that wants to scrape it.
func (c *SessionCounters) Registry() *prometheus.Registry { return c.registry }

// AddBytesWritten accumulates n bytes into the written-bytes counter.
func (c *SessionCounters) AddBytesWritten(n int) {
	if n > 0 {
		c.BytesWritten.Add(float64(n))
	}
}

// AddTicks accumulates ticks processed.
func (c *SessionCounters) AddTicks(n uint64) {
	if n > 0 {
		c.TicksProcessed.Add(float64(n))
	}
}

// IncSyscalls accumulates one syscall performed.
func (c *SessionCounters) IncSyscalls() {
	c.SyscallsPerformed.Inc()
}
