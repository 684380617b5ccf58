// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// level is shared by every logger created by New so that it can be changed
// at runtime
var level = new(slog.LevelVar)

// New creates the root logger of the process. Actors derive their own
// logger from it.
func New(lvl, format string, w io.Writer) *slog.Logger {
	level.Set(parseLogLevel(lvl))
	return slog.New(handlerForFormat(format, w))
}

// Discard returns a logger dropping every record
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func LogLevel() slog.Level {
	return level.Level()
}

// SetLevel changes the level of every logger created by New
func SetLevel(lvl string) {
	level.Set(parseLogLevel(lvl))
}

func handlerForFormat(format string, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})

	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: shortSource,
		})

	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

// shortSource keeps the last two directories of the source file
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = filepath.Join(parts...)
	return a
}

func parseLogLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
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
