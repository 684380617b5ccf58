// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package puller implements the actor reading reports from an input database
// and routing them to the dispatchers.
package puller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/filter"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const DefaultInterval = time.Second

type Opts struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    clock.Clock
	interval time.Duration
	stream   bool
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

func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the delay between two reads of the database
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithStream keeps polling forever instead of stopping once the database
// has been read
func WithStream(stream bool) OptionFn {
	return func(o *Opts) {
		o.stream = stream
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		interval: DefaultInterval,
	}
}

// Puller polls a database from a background goroutine. The actor loop only
// handles control messages.
type Puller struct {
	name     string
	db       database.Readable
	ipc      *actor.Context
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    clock.Clock
	interval time.Duration
	stream   bool

	actor *actor.Actor

	mu      sync.Mutex
	filter  *filter.Filter
	targets map[string]*actor.Proxy

	cancel  context.CancelFunc
	polling sync.WaitGroup
}

var (
	_ actor.Behavior = (*Puller)(nil)
	_ actor.Starter  = (*Puller)(nil)
	_ actor.Stopper  = (*Puller)(nil)
)

// NewBehavior creates the behavior of a puller reading db and routing with f
func NewBehavior(ipc *actor.Context, name string, db database.Readable, f *filter.Filter, applyOpts ...OptionFn) *Puller {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Puller{
		name:     name,
		db:       db,
		ipc:      ipc,
		logger:   opts.logger,
		metrics:  opts.metrics,
		clock:    opts.clock,
		interval: opts.interval,
		stream:   opts.stream,
		filter:   f,
		targets:  map[string]*actor.Proxy{},
	}
}

// New creates a puller actor
func New(ipc *actor.Context, name string, db database.Readable, f *filter.Filter, applyOpts ...OptionFn) *actor.Actor {
	p := NewBehavior(ipc, name, db, f, applyOpts...)
	return actor.New(ipc, name, p, actor.WithActorLogger(p.logger))
}

func (p *Puller) Kind() actor.Kind { return actor.KindPuller }

func (p *Puller) Setup(a *actor.Actor) error {
	p.actor = a
	p.logger = a.Logger()
	return nil
}

// Start connects every target then starts polling
func (p *Puller) Start(ctx context.Context) error {
	p.mu.Lock()
	targets := p.filter.Targets()
	p.mu.Unlock()

	for _, name := range targets {
		if err := p.connect(name); err != nil {
			return err
		}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.polling.Add(1)
	go func() {
		defer p.polling.Done()
		p.poll(pollCtx)
	}()
	return nil
}

func (p *Puller) connect(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[name]; ok {
		return nil
	}
	proxy := actor.NewProxy(p.ipc, name, p.name)
	if err := proxy.ConnectData(); err != nil {
		return fmt.Errorf("failed to connect %s: %w", name, err)
	}
	p.targets[name] = proxy
	return nil
}

func (p *Puller) poll(ctx context.Context) {
	if err := p.db.Connect(ctx); err != nil {
		p.logger.Error("failed to connect database, stopping", "error", err)
		p.terminate()
		return
	}
	defer p.db.Disconnect()

	for {
		err := p.pass(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			p.logger.Warn("failed to read database, retrying", "error", err, "interval", p.interval)
		case !p.stream:
			p.logger.Info("database read, stopping")
			p.terminate()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
	}
}

// pass reads the database once. Bad items are skipped, a read failure ends
// the pass.
func (p *Puller) pass(ctx context.Context) error {
	for r, err := range p.db.Read(ctx, p.stream) {
		if err != nil {
			if errors.Is(err, database.ErrBadInput) {
				p.metrics.Dropped(p.name, "bad-input", 1)
				p.logger.Debug("skipping bad input", "error", err)
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.metrics.Received(p.name)
		p.route(r)
	}
	return nil
}

func (p *Puller) route(r report.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, err := p.filter.Route(r)
	if err != nil {
		p.logger.Error("failed to route report", "error", err)
		return
	}
	if len(names) == 0 {
		p.metrics.Dropped(p.name, "no-route", 1)
		return
	}
	for _, name := range names {
		target, ok := p.targets[name]
		if !ok {
			p.logger.Warn("target not connected", "target", name)
			continue
		}
		if err := target.SendReport(r); err != nil {
			p.logger.Warn("failed to send report", "target", name, "error", err)
			continue
		}
		p.metrics.Sent(p.name, 1)
	}
}

func (p *Puller) terminate() {
	if p.actor != nil {
		p.actor.Terminate()
	}
}

func (p *Puller) Handle(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case actor.UpdateRoutesMessage:
		return p.updateRoutes(m)
	default:
		return actor.UnknownMessage(msg)
	}
}

// updateRoutes moves the routes of every old target to its new one
func (p *Puller) updateRoutes(msg actor.UpdateRoutesMessage) error {
	var errs []error
	for _, old := range slices.Sorted(maps.Keys(msg.Routes)) {
		target := msg.Routes[old]
		if err := p.connect(target); err != nil {
			errs = append(errs, err)
			continue
		}

		p.mu.Lock()
		n := p.filter.Retarget(old, target)
		if proxy, ok := p.targets[old]; ok && !slices.Contains(p.filter.Targets(), old) {
			_ = proxy.Close()
			delete(p.targets, old)
		}
		p.mu.Unlock()
		p.logger.Info("routes updated", "from", old, "to", target, "rules", n, "sender", msg.Sender)
	}
	return failure.AsRecoverable(errors.Join(errs...))
}

// Stop halts the poller and releases the targets
func (p *Puller) Stop(soft bool) {
	if p.cancel != nil {
		p.cancel()
	}
	p.polling.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, proxy := range p.targets {
		_ = proxy.Close()
		delete(p.targets, name)
	}
}
