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

// Package tlog is the tracee core's logging sink. It keeps the call-site
// idiom of gVisor's own pkg/log (Infof/Warningf/Debugf/IsLogging, plus a
// Fatalf that aborts the process for contract violations per spec.md §7)
// while doing the actual formatting and level filtering with
// go.uber.org/zap's SugaredLogger rather than a hand-rolled writer.
package tlog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Level mirrors the handful of severities the core actually distinguishes.
type Level int32

const (
	Warning Level = iota
	Info
	Debug
)

var (
	initOnce sync.Once
	sugar    *zap.SugaredLogger
	level    atomic.Int32
)

func init() {
	level.Store(int32(Info))
}

func logger() *zap.SugaredLogger {
	initOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.DisableStacktrace = true
		l, err := cfg.Build()
		if err != nil {
			// zap itself failed to construct; fall back to a no-op so that
			// logging can never be the reason the core fails to start.
			l = zap.NewNop()
		}
		sugar = l.Sugar()
	})
	return sugar
}

// SetLevel adjusts the minimum level that IsLogging reports as enabled.
// Infof/Debugf calls below the configured level are cheap no-ops.
func SetLevel(l Level) { level.Store(int32(l)) }

// IsLogging reports whether messages at level l would currently be emitted;
// callers use this to skip building expensive diagnostic strings.
func IsLogging(l Level) bool { return Level(level.Load()) >= l }

// Infof logs at informational severity.
func Infof(format string, args ...any) {
	if IsLogging(Info) {
		logger().Infof(format, args...)
	}
}

// Debugf logs at debug severity.
func Debugf(format string, args ...any) {
	if IsLogging(Debug) {
		logger().Debugf(format, args...)
	}
}

// Warningf logs at warning severity; always emitted.
func Warningf(format string, args ...any) {
	logger().Warnf(format, args...)
}

// Fatalf logs at error severity and aborts via panic. Used exclusively for
// the "tracer/kernel contract violation" branch of spec.md §7's error
// taxonomy — invariant breaks that must not be allowed to silently corrupt
// a recording. Unlike os.Exit, a panic lets tests assert on the violation
// with recover() instead of killing the test binary.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger().Error(msg)
	panic(msg)
}
