// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package natsdb exchanges reports as JSON messages on a NATS subject
package natsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "nats"

	DefaultQueueSize = 10000
	connectTimeout   = 5 * time.Second
)

var (
	readKinds  = []report.Kind{report.KindHWPC, report.KindPower}
	writeKinds = []report.Kind{report.KindPower, report.KindFormula}
)

// Factory registers the nats backend
func Factory() database.Factory {
	args := []config.Arg{
		{Name: "uri", Type: config.ArgString, Default: nats.DefaultURL, Help: "URL of the NATS server"},
		{Name: "subject", Type: config.ArgString, Required: true, Help: "subject the reports are exchanged on"},
		{Name: "queue-size", Type: config.ArgInt, Default: DefaultQueueSize, Help: "messages kept until read"},
	}
	return database.Factory{
		Type: Type,
		Args: args,
		NewReadable: func(p database.Params) (database.Readable, error) {
			return NewReader(p.Model, p.Values.String("uri"), p.Values.String("subject"), p.Values.Int("queue-size"), p.Logger)
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			return NewWriter(p.Values.String("uri"), p.Values.String("subject"), p.Logger), nil
		},
	}
}

type conn struct {
	logger  *slog.Logger
	url     string
	subject string
	nc      *nats.Conn
}

func newConn(url, subject string, logger *slog.Logger) conn {
	if logger == nil {
		logger = slog.Default()
	}
	return conn{logger: logger.With("database", Type), url: url, subject: subject}
}

func (c *conn) connect(name string) error {
	nc, err := nats.Connect(c.url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	c.nc = nc
	return nil
}

func (c *conn) close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("failed to drain connection", "error", err)
		c.nc.Close()
	}
	c.nc = nil
}

// Reader subscribes to the subject and queues the messages until read
type Reader struct {
	conn
	kind  report.Kind
	queue chan *nats.Msg
	sub   *nats.Subscription
}

var _ database.Readable = (*Reader)(nil)

func NewReader(kind report.Kind, url, subject string, queueSize int, logger *slog.Logger) (*Reader, error) {
	if !database.Supports(readKinds, kind) {
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, kind)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Reader{
		conn:  newConn(url, subject, logger),
		kind:  kind,
		queue: make(chan *nats.Msg, queueSize),
	}, nil
}

func (r *Reader) SupportedReadKinds() []report.Kind { return readKinds }

func (r *Reader) Connect(ctx context.Context) error {
	if err := r.connect("powerapi-puller"); err != nil {
		return err
	}
	sub, err := r.nc.ChanSubscribe(r.subject, r.queue)
	if err != nil {
		r.close()
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	r.sub = sub
	return nil
}

func (r *Reader) Disconnect() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
	r.close()
}

// Read drains the queued messages. Outside of stream mode it waits for
// messages until ctx is done.
func (r *Reader) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		for {
			var msg *nats.Msg
			if stream {
				select {
				case msg = <-r.queue:
				default:
					return
				}
			} else {
				select {
				case msg = <-r.queue:
				case <-ctx.Done():
					return
				}
			}
			rep, err := report.DecodeDocument(r.kind, msg.Data)
			if err != nil {
				err = fmt.Errorf("%w: %w", database.ErrBadInput, err)
			}
			if !yield(rep, err) {
				return
			}
		}
	}
}

// Writer publishes one message per report
type Writer struct {
	conn
}

var _ database.Writable = (*Writer)(nil)

func NewWriter(url, subject string, logger *slog.Logger) *Writer {
	return &Writer{conn: newConn(url, subject, logger)}
}

func (w *Writer) SupportedWriteKinds() []report.Kind { return writeKinds }

func (w *Writer) Connect(ctx context.Context) error {
	return w.connect("powerapi-pusher")
}

func (w *Writer) Disconnect() { w.close() }

func (w *Writer) Write(ctx context.Context, reports []report.Report) error {
	for _, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		if err := w.nc.Publish(w.subject, data); err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
	}
	// the batch is written once the server has it
	if err := w.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}
