// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package timescaledb stores power estimations in a PostgreSQL (TimescaleDB)
// table.
package timescaledb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "timescale"

	columns = "(ts, sensor, target, power, metadata)"
)

var kinds = []report.Kind{report.KindPower}

// Factory registers the timescale backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "uri", Type: config.ArgString, Required: true, Help: "PostgreSQL connection string"},
			{Name: "table", Type: config.ArgString, Default: "power", Help: "table the estimations are inserted in"},
			{Name: "create-table", Type: config.ArgBool, Default: true, Help: "create the table when missing"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			return New(p.Values.String("uri"), p.Values.String("table"), p.Values.Bool("create-table"), p.Logger), nil
		},
	}
}

// OpenFn opens the database handle on Connect
type OpenFn func(dsn string) (*sql.DB, error)

type DB struct {
	logger *slog.Logger
	dsn    string
	table  string
	create bool
	open   OpenFn
	db     *sql.DB
}

var _ database.Writable = (*DB)(nil)

func New(dsn, table string, create bool, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		logger: logger.With("database", Type),
		dsn:    dsn,
		table:  table,
		create: create,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

func (db *DB) Connect(ctx context.Context) error {
	handle, err := db.open(db.dsn)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	if db.create {
		stmt := "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(db.table) +
			" (ts TIMESTAMPTZ NOT NULL, sensor TEXT NOT NULL, target TEXT NOT NULL," +
			" power DOUBLE PRECISION NOT NULL, metadata JSONB)"
		if _, err := handle.ExecContext(ctx, stmt); err != nil {
			handle.Close()
			return fmt.Errorf("%w: create table %s: %w", database.ErrConnectionFailed, db.table, err)
		}
	}
	db.db = handle
	return nil
}

func (db *DB) Disconnect() {
	if db.db == nil {
		return
	}
	if err := db.db.Close(); err != nil {
		db.logger.Warn("failed to close database", "error", err)
	}
	db.db = nil
}

// Write inserts the batch with a single statement
func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	if len(reports) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(db.table))
	b.WriteString(" " + columns + " VALUES ")

	args := make([]any, 0, len(reports)*5)
	for i, r := range reports {
		power, ok := r.(report.PowerReport)
		if !ok {
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		md, err := json.Marshal(power.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %w", database.ErrWriteFailed, err)
		}
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, power.Timestamp, power.Sensor, power.Target, power.Power, string(md))
	}

	if _, err := db.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}
