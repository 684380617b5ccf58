// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package mongodb reads and writes reports from a MongoDB collection
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "mongodb"

	disconnectTimeout = 5 * time.Second
)

var (
	readKinds  = []report.Kind{report.KindHWPC, report.KindPower}
	writeKinds = []report.Kind{report.KindPower, report.KindFormula}
)

// Factory registers the mongodb backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "uri", Type: config.ArgString, Required: true, Help: "URI of the MongoDB server"},
			{Name: "db", Type: config.ArgString, Required: true, Help: "database name"},
			{Name: "collection", Type: config.ArgString, Required: true, Help: "collection name"},
		},
		NewReadable: func(p database.Params) (database.Readable, error) {
			if !database.Supports(readKinds, p.Model) {
				return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, p.Model)
			}
			return &Reader{conn: newConn(p), kind: p.Model}, nil
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			return &Writer{conn: newConn(p)}, nil
		},
	}
}

// conn is the connection shared by the reader and the writer
type conn struct {
	logger     *slog.Logger
	uri        string
	dbName     string
	collName   string
	client     *mongo.Client
	collection *mongo.Collection
}

func newConn(p database.Params) conn {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return conn{
		logger:   logger.With("database", Type),
		uri:      p.Values.String("uri"),
		dbName:   p.Values.String("db"),
		collName: p.Values.String("collection"),
	}
}

func (c *conn) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	c.client = client
	c.collection = client.Database(c.dbName).Collection(c.collName)
	return nil
}

func (c *conn) Disconnect() {
	if c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Warn("failed to disconnect", "error", err)
	}
	c.client = nil
}

// Reader reads a collection. In stream mode documents are removed as they
// are read.
type Reader struct {
	conn
	kind   report.Kind
	cursor *mongo.Cursor
}

var _ database.Readable = (*Reader)(nil)

func (r *Reader) SupportedReadKinds() []report.Kind { return readKinds }

func (r *Reader) Disconnect() {
	if r.cursor != nil {
		_ = r.cursor.Close(context.Background())
		r.cursor = nil
	}
	r.conn.Disconnect()
}

func (r *Reader) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	if stream {
		return r.stream(ctx)
	}
	return r.scan(ctx)
}

// scan walks a cursor opened on the first call, the collection is left as is
func (r *Reader) scan(ctx context.Context) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		if r.cursor == nil {
			cursor, err := r.collection.Find(ctx, bson.D{})
			if err != nil {
				yield(nil, fmt.Errorf("%w: %w", database.ErrReadFailed, err))
				return
			}
			r.cursor = cursor
		}
		for r.cursor.Next(ctx) {
			if !yield(decode(r.kind, r.cursor.Current)) {
				return
			}
		}
		if err := r.cursor.Err(); err != nil {
			yield(nil, fmt.Errorf("%w: %w", database.ErrReadFailed, err))
		}
	}
}

func (r *Reader) stream(ctx context.Context) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for {
			raw, err := r.collection.FindOneAndDelete(ctx, bson.D{}).Raw()
			if errors.Is(err, mongo.ErrNoDocuments) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: %w", database.ErrReadFailed, err))
				return
			}
			if !yield(decode(r.kind, raw)) {
				return
			}
		}
	}
}

// Writer inserts reports in a collection
type Writer struct {
	conn
}

var _ database.Writable = (*Writer)(nil)

func (w *Writer) SupportedWriteKinds() []report.Kind { return writeKinds }

func (w *Writer) Write(ctx context.Context, reports []report.Report) error {
	if len(reports) == 0 {
		return nil
	}
	docs := make([]any, 0, len(reports))
	for _, r := range reports {
		doc, err := encode(r)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		docs = append(docs, doc)
	}
	if _, err := w.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}
