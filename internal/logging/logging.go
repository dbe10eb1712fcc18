// Package logging wires up the CLI's structured logger: JSON records via
// log/slog, written through a rotating file handler so a long-lived
// workspace doesn't grow an unbounded log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures where and how verbosely the logger writes.
type Options struct {
	WorkspaceRoot string
	Verbose       bool
}

// New builds a slog.Logger that writes JSON lines to
// <workspaceRoot>/.synqlite/synqlite.log, rotated by lumberjack. Nothing is
// written to stderr; with an empty WorkspaceRoot, or when the .synqlite
// directory cannot be created, records are discarded.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var fileWriter io.Writer = io.Discard
	if opts.WorkspaceRoot != "" {
		logDir := filepath.Join(opts.WorkspaceRoot, ".synqlite")
		if err := os.MkdirAll(logDir, 0750); err == nil {
			fileWriter = &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "synqlite.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}
	}

	handler := slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
