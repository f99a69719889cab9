// Copyright 2025 The StrataDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package strata

import (
	"log/slog"
	"sync"
)

var (
	loggerOnce sync.Once
	loggerInst *slog.Logger
)

// SetLogger installs the logger the driver logs through. The first call
// wins; later calls are no-ops, so libraries embedding the driver cannot
// steal an application's logger. When never called, the driver is silent.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	loggerOnce.Do(func() {
		loggerInst = logger
	})
}

// log returns the installed logger, or a discard logger when none was set.
func log() *slog.Logger {
	loggerOnce.Do(func() {
		loggerInst = slog.New(slog.DiscardHandler)
	})
	return loggerInst
}
