// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsonldb stores reports as JSON documents, one per line. Output
// files are rotated by size.
package jsonldb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "jsonl"

	maxLineSize = 4 << 20
)

// Factory registers the jsonl backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "files", Type: config.ArgStrings, Help: "comma separated list of files to read"},
			{Name: "file", Type: config.ArgString, Help: "file the reports are appended to"},
			{Name: "max-size", Type: config.ArgInt, Default: 100, Help: "size in megabytes before the output is rotated"},
			{Name: "max-backups", Type: config.ArgInt, Default: 3, Help: "rotated files to keep"},
		},
		NewReadable: func(p database.Params) (database.Readable, error) {
			if !p.Values.Has("files") {
				return nil, fmt.Errorf("%w: files", config.ErrMissingArgument)
			}
			return NewReader(p.Model, p.Values.Strings("files"), p.Logger), nil
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			if !p.Values.Has("file") {
				return nil, fmt.Errorf("%w: file", config.ErrMissingArgument)
			}
			return NewWriter(p.Values.String("file"),
				p.Values.Int("max-size"), p.Values.Int("max-backups"), p.Logger), nil
		},
	}
}

// Reader reads its files one after the other
type Reader struct {
	logger *slog.Logger
	kind   report.Kind
	paths  []string
	files  []*os.File
}

var _ database.Readable = (*Reader)(nil)

func NewReader(kind report.Kind, paths []string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{logger: logger.With("database", Type), kind: kind, paths: paths}
}

func (r *Reader) SupportedReadKinds() []report.Kind { return report.Kinds() }

func (r *Reader) Connect(ctx context.Context) error {
	r.Disconnect()
	for _, path := range r.paths {
		f, err := os.Open(path)
		if err != nil {
			r.Disconnect()
			return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
		}
		r.files = append(r.files, f)
	}
	return nil
}

func (r *Reader) Disconnect() {
	for _, f := range r.files {
		f.Close()
	}
	r.files = nil
}

func (r *Reader) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for len(r.files) > 0 {
			f := r.files[0]
			if !r.readFile(ctx, f, yield) {
				return
			}
			f.Close()
			r.files = r.files[1:]
		}
	}
}

// readFile returns false when the consumer stopped or the file failed
func (r *Reader) readFile(ctx context.Context, f *os.File, yield func(report.Report, error) bool) bool {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line++
		body := bytes.TrimSpace(scanner.Bytes())
		if len(body) == 0 {
			continue
		}
		rep, err := report.DecodeDocument(r.kind, body)
		if err != nil {
			err = fmt.Errorf("%w: %s:%d: %w", database.ErrBadInput, f.Name(), line, err)
		}
		if !yield(rep, err) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		yield(nil, fmt.Errorf("%w: %s: %w", database.ErrReadFailed, f.Name(), err))
		return false
	}
	return true
}

// Writer appends reports to a size rotated file
type Writer struct {
	logger *slog.Logger
	out    *lumberjack.Logger
}

var _ database.Writable = (*Writer)(nil)

func NewWriter(path string, maxSize, maxBackups int, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		logger: logger.With("database", Type),
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		},
	}
}

func (w *Writer) SupportedWriteKinds() []report.Kind { return report.Kinds() }

// Connect is a no-op, lumberjack opens the file on first write
func (w *Writer) Connect(ctx context.Context) error { return nil }

func (w *Writer) Disconnect() {
	if err := w.out.Close(); err != nil {
		w.logger.Warn("failed to close output", "file", w.out.Filename, "error", err)
	}
}

func (w *Writer) Write(ctx context.Context, reports []report.Report) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}
