// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package socketdb receives reports pushed by sensors over TCP as newline
// terminated JSON documents.
package socketdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "socket"

	DefaultQueueSize = 10000
	maxLineSize      = 4 << 20
)

var kinds = []report.Kind{report.KindHWPC, report.KindPower}

// Factory registers the socket backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "host", Type: config.ArgString, Default: "127.0.0.1", Help: "address to listen on"},
			{Name: "port", Type: config.ArgInt, Required: true, Help: "port to listen on"},
			{Name: "queue-size", Type: config.ArgInt, Default: DefaultQueueSize, Help: "documents kept until read"},
		},
		NewReadable: func(p database.Params) (database.Readable, error) {
			return New(p.Model, net.JoinHostPort(p.Values.String("host"), strconv.Itoa(p.Values.Int("port"))),
				p.Values.Int("queue-size"), p.Logger)
		},
	}
}

// DB is a TCP server queueing the documents it receives
type DB struct {
	logger  *slog.Logger
	kind    report.Kind
	address string
	queue   chan []byte
	dropLog rate.Sometimes

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	group    *errgroup.Group
}

var _ database.Readable = (*DB)(nil)

func New(kind report.Kind, address string, queueSize int, logger *slog.Logger) (*DB, error) {
	if !database.Supports(kinds, kind) {
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &DB{
		logger:  logger.With("database", Type),
		kind:    kind,
		address: address,
		queue:   make(chan []byte, queueSize),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		conns:   map[net.Conn]struct{}{},
	}, nil
}

func (db *DB) SupportedReadKinds() []report.Kind { return kinds }

// Addr returns the address listened on, nil before Connect
func (db *DB) Addr() net.Addr {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.listener == nil {
		return nil
	}
	return db.listener.Addr()
}

func (db *DB) Connect(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", db.address)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}

	db.mu.Lock()
	db.listener = l
	db.group = &errgroup.Group{}
	g := db.group
	db.mu.Unlock()

	db.logger.Info("listening for reports", "address", l.Addr().String())
	g.Go(func() error { return db.serve(l, g) })
	return nil
}

func (db *DB) serve(l net.Listener, g *errgroup.Group) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		db.mu.Lock()
		db.conns[conn] = struct{}{}
		db.mu.Unlock()

		g.Go(func() error {
			defer func() {
				db.mu.Lock()
				delete(db.conns, conn)
				db.mu.Unlock()
				conn.Close()
			}()
			db.handle(conn)
			return nil
		})
	}
}

func (db *DB) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	db.logger.Info("new incoming connection", "remote", remote)
	defer db.logger.Info("connection closed", "remote", remote)

	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = readLong(r, line)
		}
		for _, doc := range splitDocuments(line) {
			db.enqueue(doc)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				db.logger.Error("failed to read from connection", "remote", remote, "error", err)
			}
			return
		}
	}
}

// readLong completes a line longer than the reader buffer
func readLong(r *bufio.Reader, head []byte) ([]byte, error) {
	line := append([]byte(nil), head...)
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line longer than %d bytes", maxLineSize)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (db *DB) enqueue(doc []byte) {
	select {
	case db.queue <- doc:
	default:
		db.dropLog.Do(func() {
			db.logger.Warn("queue is full, dropping documents", "capacity", cap(db.queue))
		})
	}
}

// splitDocuments returns the JSON documents of data. After a malformed
// document it resumes at the next '{', a truncated tail is dropped.
func splitDocuments(data []byte) []json.RawMessage {
	var docs []json.RawMessage
	idx := 0
	for idx < len(data) {
		dec := json.NewDecoder(bytes.NewReader(data[idx:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			next := bytes.IndexByte(data[idx+1:], '{')
			if next < 0 {
				break
			}
			idx += next + 1
			continue
		}
		docs = append(docs, raw)
		idx += int(dec.InputOffset())
	}
	return docs
}

// Disconnect stops listening and closes the client connections. Documents
// still queued are kept.
func (db *DB) Disconnect() {
	db.mu.Lock()
	l, g := db.listener, db.group
	db.listener = nil
	if l != nil {
		l.Close()
	}
	for conn := range db.conns {
		conn.Close()
	}
	db.mu.Unlock()

	if g != nil {
		if err := g.Wait(); err != nil {
			db.logger.Warn("socket server stopped with error", "error", err)
		}
	}
}

// Read drains the documents received so far without blocking. Outside of
// stream mode it keeps waiting for documents until ctx is done since a
// socket is never exhausted.
func (db *DB) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for {
			var doc []byte
			if stream {
				select {
				case doc = <-db.queue:
				default:
					return
				}
			} else {
				select {
				case doc = <-db.queue:
				case <-ctx.Done():
					return
				}
			}
			rep, err := report.DecodeDocument(db.kind, doc)
			if err != nil {
				err = fmt.Errorf("%w: %w", database.ErrBadInput, err)
			}
			if !yield(rep, err) {
				return
			}
		}
	}
}
