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

package command

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/stratadb/stratadb-go/go/strata"
	"github.com/stratadb/stratadb-go/go/viperutil"
)

// Logger wires slog up to the log-level, log-format, and log-output flags.
// The log level is a dynamic config value: when a watched config file
// changes it, the running logger picks the new level up without a restart.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	// level is shared with the installed handler, so reloads take effect
	// on the live logger.
	level slog.LevelVar

	reload chan struct{}

	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger
}

func NewLogger(reg *viperutil.Registry) *Logger {
	lg := &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
			Dynamic:  true,
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "text",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stderr",
			FlagName: "log-output",
		}),
		reload: make(chan struct{}, 1),
	}
	viperutil.NotifyConfigReload(reg, lg.reload)
	return lg
}

// RegisterFlags registers logging-related command line flags.
// This must be called before flags are parsed.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (text, json)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stderr, stdout, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// SetupLogging initializes the logger based on the configured flags.
// This should be called after flags are parsed and the config is loaded,
// but before any logging occurs. Command results go to stdout, so the
// default log destination is stderr.
func (lg *Logger) SetupLogging() {
	lg.loggerOnce.Do(func() {
		lg.level.Set(parseLevel(lg.logLevel.Get()))

		var output io.Writer
		outputStr := lg.logOutput.Get()
		switch strings.ToLower(outputStr) {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			// Treat as file path.
			file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				output = os.Stderr
			} else {
				output = file
			}
		}

		opts := &slog.HandlerOptions{Level: &lg.level}
		var handler slog.Handler
		switch strings.ToLower(lg.logFormat.Get()) {
		case "json":
			handler = slog.NewJSONHandler(output, opts)
		default:
			handler = slog.NewTextHandler(output, opts)
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)
		strata.SetLogger(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.loggerMu.Unlock()

		// Track config reloads for the rest of the process lifetime.
		go lg.watchLevel()
	})
}

// GetLogger returns the configured logger instance.
// SetupLogging must be called before this function.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// watchLevel applies log-level changes from reloaded config files to the
// live logger.
func (lg *Logger) watchLevel() {
	for range lg.reload {
		level := parseLevel(lg.logLevel.Get())
		if lg.level.Level() == level {
			continue
		}
		lg.level.Set(level)
		lg.GetLogger().Info("log level updated", "level", level.String())
	}
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
