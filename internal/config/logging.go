// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides settings loading and management for HamChat.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// =============================================================================
// LOGGING SETUP
// =============================================================================

// SetupLogging builds the process logger: human-readable text on stderr and
// structured JSON appended to the log file. The returned closer owns the
// file handle.
func SetupLogging(settings LogSettings, dataRoot string) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(settings.Level)
	if err != nil {
		return nil, nil, err
	}

	logPath := settings.File
	if logPath == "" {
		logPath = filepath.Join(dataRoot, "logs", "app.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}),
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, f, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}
