// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package pusher implements the actor writing reports to an output database.
package pusher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	DefaultMaxBufferSize = 50
	DefaultFlushInterval = 100 * time.Millisecond

	finalFlushTimeout = 5 * time.Second
)

type Opts struct {
	logger        *slog.Logger
	metrics       *metrics.Recorder
	clock         clock.PassiveClock
	maxBufferSize int
	flushInterval time.Duration
	maxRetained   int
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Recorder) OptionFn {
	return func(o *Opts) {
		o.metrics = m
	}
}

// WithClock sets the clock used to evaluate the flush interval
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxBufferSize sets the number of buffered reports triggering a flush
func WithMaxBufferSize(n int) OptionFn {
	return func(o *Opts) {
		o.maxBufferSize = n
	}
}

// WithFlushInterval sets the delay since the last flush after which the next
// arriving report triggers a flush.
func WithFlushInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.flushInterval = d
	}
}

// WithMaxRetained bounds the buffer while the database rejects writes; the
// oldest reports are dropped beyond it. Values below the max buffer size
// fall back to ten times the max buffer size.
func WithMaxRetained(n int) OptionFn {
	return func(o *Opts) {
		o.maxRetained = n
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:        slog.Default(),
		clock:         clock.RealClock{},
		maxBufferSize: DefaultMaxBufferSize,
		flushInterval: DefaultFlushInterval,
	}
}

// Pusher buffers reports and writes them in batches
type Pusher struct {
	name          string
	db            database.Writable
	logger        *slog.Logger
	metrics       *metrics.Recorder
	clock         clock.PassiveClock
	maxBufferSize int
	flushInterval time.Duration
	maxRetained   int

	buffer    []report.Report
	lastFlush time.Time
	connected bool
}

var (
	_ actor.Behavior = (*Pusher)(nil)
	_ actor.Starter  = (*Pusher)(nil)
	_ actor.Stopper  = (*Pusher)(nil)
)

// NewBehavior creates the behavior of a pusher writing to db
func NewBehavior(name string, db database.Writable, applyOpts ...OptionFn) *Pusher {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	if opts.maxBufferSize < 1 {
		opts.maxBufferSize = 1
	}
	if opts.maxRetained < opts.maxBufferSize {
		opts.maxRetained = 10 * opts.maxBufferSize
	}

	return &Pusher{
		name:          name,
		db:            db,
		logger:        opts.logger.With("actor", name),
		metrics:       opts.metrics,
		clock:         opts.clock,
		maxBufferSize: opts.maxBufferSize,
		flushInterval: opts.flushInterval,
		maxRetained:   opts.maxRetained,
	}
}

// New creates a pusher actor
func New(ipc *actor.Context, name string, db database.Writable, applyOpts ...OptionFn) *actor.Actor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return actor.New(ipc, name, NewBehavior(name, db, applyOpts...), actor.WithActorLogger(opts.logger))
}

func (p *Pusher) Kind() actor.Kind { return actor.KindPusher }

func (p *Pusher) Setup(a *actor.Actor) error {
	p.logger = a.Logger()
	return nil
}

// Start connects the database
func (p *Pusher) Start(ctx context.Context) error {
	if err := p.db.Connect(ctx); err != nil {
		return fmt.Errorf("pusher %s: %w", p.name, err)
	}
	p.connected = true
	p.lastFlush = p.clock.Now()
	p.logger.Debug("database connected")
	return nil
}

func (p *Pusher) Handle(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case actor.ReportMessage:
		return p.push(ctx, m.Report)
	default:
		return actor.UnknownMessage(msg)
	}
}

func (p *Pusher) push(ctx context.Context, r report.Report) error {
	if !p.connected {
		p.metrics.Dropped(p.name, "not-started", 1)
		return failure.Recoverablef("report received before the pusher is started")
	}
	p.metrics.Received(p.name)
	p.buffer = append(p.buffer, r)

	if len(p.buffer) >= p.maxBufferSize || p.clock.Since(p.lastFlush) >= p.flushInterval {
		return failure.AsRecoverable(p.flush(ctx))
	}
	return nil
}

// flush writes the whole buffer. On failure the reports are kept for the
// next flush, up to maxRetained.
func (p *Pusher) flush(ctx context.Context) error {
	p.lastFlush = p.clock.Now()
	if len(p.buffer) == 0 {
		return nil
	}

	err := p.db.Write(ctx, p.buffer)
	p.metrics.Flushed(p.name, err)
	if err != nil {
		if over := len(p.buffer) - p.maxRetained; over > 0 {
			p.buffer = append([]report.Report(nil), p.buffer[over:]...)
			p.metrics.Dropped(p.name, "overflow", over)
			p.logger.Warn("buffer full, oldest reports dropped", "dropped", over)
		}
		return fmt.Errorf("failed to flush %d reports: %w", len(p.buffer), err)
	}

	p.metrics.Sent(p.name, len(p.buffer))
	p.buffer = nil
	return nil
}

// Buffered returns the number of reports waiting for a flush
func (p *Pusher) Buffered() int {
	return len(p.buffer)
}

// Stop flushes what is left then disconnects the database
func (p *Pusher) Stop(soft bool) {
	if !p.connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	if err := p.flush(ctx); err != nil {
		p.logger.Error("final flush failed, reports lost", "reports", len(p.buffer), "error", err)
	}
	p.db.Disconnect()
	p.connected = false
}
