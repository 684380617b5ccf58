// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package csvdb reads and writes reports as CSV files. HWPC reports are
// stored in one file per group, named after the group. Power and formula
// files carry one column per configured tag.
package csvdb

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const Type = "csv"

var (
	readKinds  = []report.Kind{report.KindHWPC, report.KindPower}
	writeKinds = []report.Kind{report.KindHWPC, report.KindPower, report.KindFormula}
)

// Factory registers the csv backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "files", Type: config.ArgStrings, Help: "comma separated list of files to read"},
			{Name: "directory", Type: config.ArgString, Help: "directory the files are written into"},
			{Name: "tags", Type: config.ArgStrings, Help: "comma separated list of metadata keys written as columns"},
		},
		NewReadable: func(p database.Params) (database.Readable, error) {
			if !p.Values.Has("files") {
				return nil, fmt.Errorf("%w: files", config.ErrMissingArgument)
			}
			return NewReader(p.Model, p.Values.Strings("files"), p.Logger)
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			if !p.Values.Has("directory") {
				return nil, fmt.Errorf("%w: directory", config.ErrMissingArgument)
			}
			return NewWriter(p.Model, p.Values.String("directory"), p.Values.Strings("tags"), p.Logger), nil
		},
	}
}

// Reader merges the rows of several files by timestamp
type Reader struct {
	logger  *slog.Logger
	kind    report.Kind
	paths   []string
	cursors []*cursor
}

var _ database.Readable = (*Reader)(nil)

func NewReader(kind report.Kind, paths []string, logger *slog.Logger) (*Reader, error) {
	if !database.Supports(readKinds, kind) {
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		logger: logger.With("database", Type),
		kind:   kind,
		paths:  paths,
	}, nil
}

func (r *Reader) SupportedReadKinds() []report.Kind { return readKinds }

func (r *Reader) Connect(ctx context.Context) error {
	r.Disconnect()
	for _, path := range r.paths {
		c, err := openCursor(r.kind, path)
		if err != nil {
			r.Disconnect()
			return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
		}
		r.cursors = append(r.cursors, c)
	}
	return nil
}

func (r *Reader) Disconnect() {
	for _, c := range r.cursors {
		c.close()
	}
	r.cursors = nil
}

// Read ignores stream, files are always read once up to their end
func (r *Reader) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for ctx.Err() == nil {
			// bad rows are reported by advance before anything else
			for _, c := range r.cursors {
				for c.err != nil {
					err := c.err
					c.advance()
					if !yield(nil, err) {
						return
					}
				}
			}
			first := r.earliest()
			if first == nil {
				return
			}
			rep, err := r.next(first)
			if !yield(rep, err) {
				return
			}
		}
	}
}

// earliest returns the cursor holding the row with the smallest timestamp,
// the first file wins ties.
func (r *Reader) earliest() *cursor {
	var first *cursor
	for _, c := range r.cursors {
		if c.done {
			continue
		}
		if first == nil || c.current.Timestamp < first.current.Timestamp {
			first = c
		}
	}
	return first
}

func (r *Reader) next(first *cursor) (report.Report, error) {
	row := first.current
	if r.kind == report.KindPower {
		first.advance()
		return report.PowerReport{Header: row.header(), Power: row.power}, nil
	}

	// every row sharing the timestamp, sensor and target of row belongs to
	// the same HWPC report
	rep := report.HWPCReport{Header: row.header(), Groups: report.Groups{}}
	rep.Metadata = map[string]any{}
	key := row.commonRow
	for _, c := range r.cursors {
		for !c.done && c.err == nil && c.current.commonRow == key {
			if err := mergeHWPC(&rep, c.group, c.current); err != nil {
				c.advance()
				return nil, err
			}
			c.advance()
		}
	}
	return rep, nil
}

// cursor walks one file, holding the row to be consumed next
type cursor struct {
	file    *os.File
	dec     *csvutil.Decoder
	kind    report.Kind
	group   string
	current row
	err     error
	done    bool
}

func openCursor(kind report.Kind, path string) (*cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &cursor{
		file:  f,
		kind:  kind,
		group: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	dec, err := csvutil.NewDecoder(csv.NewReader(bufio.NewReader(f)))
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return c, nil
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, col := range requiredColumns(kind) {
		if !slices.Contains(dec.Header(), col) {
			f.Close()
			return nil, fmt.Errorf("%s: missing column %s", path, col)
		}
	}
	c.dec = dec
	c.advance()
	return c, nil
}

// advance moves to the next row. A row that does not decode is kept in err,
// a read failure ends the file.
func (c *cursor) advance() {
	c.err = nil
	if c.done {
		return
	}
	rw, err := decodeRow(c.kind, c.dec)
	var parseErr *csv.ParseError
	var typeErr *csvutil.UnmarshalTypeError
	switch {
	case err == nil && (rw.Sensor == "" || rw.Target == ""):
		c.err = fmt.Errorf("%w: %s: row without sensor or target", database.ErrBadInput, c.file.Name())
	case err == nil:
		c.current = rw
	case errors.Is(err, io.EOF):
		c.done = true
	case errors.Is(err, csvutil.ErrFieldCount), errors.As(err, &parseErr), errors.As(err, &typeErr):
		c.err = fmt.Errorf("%w: %s: %w", database.ErrBadInput, c.file.Name(), err)
	default:
		c.done = true
		c.err = fmt.Errorf("%w: %s: %w", database.ErrReadFailed, c.file.Name(), err)
	}
}

func (c *cursor) close() {
	if c.file != nil {
		c.file.Close()
	}
}

// Writer appends reports to the files of a directory
type Writer struct {
	logger *slog.Logger
	kind   report.Kind
	dir    string
	tags   []string
	files  map[string]*output
}

var _ database.Writable = (*Writer)(nil)

type output struct {
	file   *os.File
	w      *csv.Writer
	header []string
}

// NewWriter creates a writer into dir. Only the metadata keys listed in tags
// are written, in that order.
func NewWriter(kind report.Kind, dir string, tags []string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		logger: logger.With("database", Type),
		kind:   kind,
		dir:    dir,
		tags:   tags,
		files:  map[string]*output{},
	}
}

func (w *Writer) SupportedWriteKinds() []report.Kind { return writeKinds }

func (w *Writer) Connect(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	return nil
}

func (w *Writer) Disconnect() {
	for name, out := range w.files {
		out.w.Flush()
		if err := out.file.Close(); err != nil {
			w.logger.Warn("failed to close file", "file", name, "error", err)
		}
	}
	clear(w.files)
}

// Write appends reports to their files. Nothing is written unless every
// record matches the header of its file.
func (w *Writer) Write(ctx context.Context, reports []report.Report) error {
	var records []record
	for _, r := range reports {
		recs, err := encode(r, w.tags)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		records = append(records, recs...)
	}
	if err := w.checkHeaders(records); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}

	touched := map[string]*output{}
	for _, rec := range records {
		out, err := w.open(rec.file, rec.header)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		if err := out.w.Write(rec.values); err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		touched[rec.file] = out
	}
	for _, out := range touched {
		out.w.Flush()
		if err := out.w.Error(); err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
	}
	return nil
}

func (w *Writer) checkHeaders(records []record) error {
	headers := map[string][]string{}
	for _, rec := range records {
		h, ok := headers[rec.file]
		if !ok {
			existing, err := w.header(rec.file)
			if err != nil {
				return err
			}
			h = existing
			if h == nil {
				h = rec.header
			}
			headers[rec.file] = h
		}
		if !slices.Equal(h, rec.header) {
			return fmt.Errorf("%s: columns %v do not match header %v", rec.file, rec.header, h)
		}
	}
	return nil
}

// header returns the columns of the file name, nil while it has none
func (w *Writer) header(name string) ([]string, error) {
	if out, ok := w.files[name]; ok {
		return out.header, nil
	}
	f, err := os.Open(filepath.Join(w.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return h, err
}

// open returns the output of name, writing header when the file is new. The
// header of an existing file is read back from its first line.
func (w *Writer) open(name string, header []string) (*output, error) {
	if out, ok := w.files[name]; ok {
		return out, nil
	}
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	existing, err := csv.NewReader(f).Read()
	out := &output{file: f, w: csv.NewWriter(f)}
	switch {
	case errors.Is(err, io.EOF):
		out.header = header
		if err := out.w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	default:
		out.header = existing
	}
	w.files[name] = out
	return out, nil
}
