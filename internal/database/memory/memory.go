// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process database, readable and writable, used to
// wire pipelines in tests.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// DB keeps reports in memory. Reading consumes them.
type DB struct {
	mu        sync.Mutex
	kinds     []report.Kind
	pending   []report.Report
	written   []report.Report
	connected bool
	writes    int

	// ConnectErr and WriteErr make the matching call fail when set
	ConnectErr error
	WriteErr   error
}

var (
	_ database.Readable = (*DB)(nil)
	_ database.Writable = (*DB)(nil)
)

// New creates a database supporting kinds, or every kind when none is given,
// pre-filled with reports to read.
func New(kinds []report.Kind, reports ...report.Report) *DB {
	if len(kinds) == 0 {
		kinds = report.Kinds()
	}
	return &DB{kinds: kinds, pending: reports}
}

func (db *DB) Connect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.ConnectErr != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, db.ConnectErr)
	}
	db.connected = true
	return nil
}

func (db *DB) Disconnect() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connected = false
}

func (db *DB) SupportedReadKinds() []report.Kind  { return db.kinds }
func (db *DB) SupportedWriteKinds() []report.Kind { return db.kinds }

// Add queues reports to be read
func (db *DB) Add(reports ...report.Report) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pending = append(db.pending, reports...)
}

func (db *DB) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for {
			db.mu.Lock()
			if len(db.pending) == 0 {
				db.mu.Unlock()
				return
			}
			r := db.pending[0]
			db.pending = db.pending[1:]
			db.mu.Unlock()

			if !yield(r, nil) {
				return
			}
		}
	}
}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.writes++
	if db.WriteErr != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, db.WriteErr)
	}
	db.written = append(db.written, reports...)
	return nil
}

// Written returns every report successfully written
func (db *DB) Written() []report.Report {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]report.Report(nil), db.written...)
}

// Writes returns the number of Write calls, failed ones included
func (db *DB) Writes() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writes
}

func (db *DB) Connected() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.connected
}

// SetWriteErr changes the error returned by the next writes
func (db *DB) SetWriteErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.WriteErr = err
}
