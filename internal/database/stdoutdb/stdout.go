// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package stdoutdb prints reports as tables, one table per written batch
package stdoutdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const Type = "stdout"

var kinds = []report.Kind{report.KindPower, report.KindFormula}

// Factory registers the stdout backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		NewWritable: func(p database.Params) (database.Writable, error) {
			return New(WithLogger(p.Logger)), nil
		},
	}
}

type Opts struct {
	logger *slog.Logger
	out    io.Writer
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger of the driver
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// DB writes to its output, stdout by default. Concurrent pushers sharing
// the output do not interleave their tables.
type DB struct {
	logger *slog.Logger
	mu     sync.Mutex
	out    io.Writer
}

var _ database.Writable = (*DB)(nil)

func New(applyOpts ...OptionFn) *DB {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &DB{
		logger: opts.logger.With("database", Type),
		out:    opts.out,
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

func (db *DB) Connect(ctx context.Context) error { return nil }

func (db *DB) Disconnect() {}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		h := r.Head()
		row := []string{h.Timestamp.UTC().Format(time.RFC3339Nano), h.Sensor, h.Target}
		switch v := r.(type) {
		case report.PowerReport:
			row = append(row, strconv.FormatFloat(v.Power, 'f', 3, 64))
		case report.FormulaReport:
			row = append(row, "-")
		default:
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		rows = append(rows, append(row, metadata(h.Metadata)))
	}
	if len(rows) == 0 {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	table := tablewriter.NewWriter(db.out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Timestamp", "Sensor", "Target", "Power(W)", "Metadata"})
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}

// metadata renders flattened metadata as sorted key=value pairs
func metadata(md map[string]any) string {
	flat := report.FlattenTags(md, ".")
	pairs := make([]string, 0, len(flat))
	for _, k := range slices.Sorted(maps.Keys(flat)) {
		pairs = append(pairs, k+"="+report.TagString(flat[k]))
	}
	return strings.Join(pairs, " ")
}
