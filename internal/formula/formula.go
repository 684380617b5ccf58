// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package formula implements the actors estimating power out of the reports
// of one dispatch key.
package formula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// Routes maps an output report kind to the pushers receiving it
type Routes map[report.Kind][]string

type Opts struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
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

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{logger: slog.Default()}
}

// Formula applies an estimator and sends its output to the pushers
type Formula struct {
	name      string
	key       Key
	estimator Estimator
	routes    Routes
	ipc       *actor.Context
	logger    *slog.Logger
	metrics   *metrics.Recorder

	pushers map[string]*actor.Proxy
}

var (
	_ actor.Behavior = (*Formula)(nil)
	_ actor.Starter  = (*Formula)(nil)
	_ actor.Stopper  = (*Formula)(nil)
)

// New creates the formula actor called name handling the reports of key
func New(ipc *actor.Context, name string, key Key, e Estimator, routes Routes, applyOpts ...OptionFn) *actor.Actor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	f := &Formula{
		name:      name,
		key:       key,
		estimator: e,
		routes:    routes,
		ipc:       ipc,
		logger:    opts.logger,
		metrics:   opts.metrics,
		pushers:   map[string]*actor.Proxy{},
	}
	return actor.New(ipc, name, f, actor.WithActorLogger(opts.logger))
}

func (f *Formula) Kind() actor.Kind { return actor.KindFormula }

func (f *Formula) Setup(a *actor.Actor) error {
	f.logger = a.Logger().With("key", f.key.String())
	return nil
}

// Start connects the data channel of every pusher
func (f *Formula) Start(ctx context.Context) error {
	for _, names := range f.routes {
		for _, name := range names {
			if _, done := f.pushers[name]; done {
				continue
			}
			p := actor.NewProxy(f.ipc, name, f.name)
			if err := p.ConnectData(); err != nil {
				return fmt.Errorf("failed to connect pusher %s: %w", name, err)
			}
			f.pushers[name] = p
		}
	}
	return nil
}

func (f *Formula) Handle(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case actor.ReportMessage:
		return f.estimate(m.Report)
	default:
		return actor.UnknownMessage(msg)
	}
}

func (f *Formula) estimate(r report.Report) error {
	f.metrics.Received(f.name)
	outputs, err := f.estimator.Estimate(f.key, r)
	if err != nil {
		return failure.AsRecoverable(err)
	}

	var errs []error
	for _, out := range outputs {
		out = report.WithMetadata(out, f.metadata())
		names := f.routes[out.Kind()]
		if len(names) == 0 {
			f.metrics.Dropped(f.name, "no-pusher", 1)
			errs = append(errs, fmt.Errorf("no pusher for %s", out.Kind()))
			continue
		}
		for _, name := range names {
			if err := f.pushers[name].SendReport(out); err != nil {
				errs = append(errs, fmt.Errorf("failed to send to %s: %w", name, err))
				continue
			}
			f.metrics.Sent(f.name, 1)
		}
	}
	return failure.AsRecoverable(errors.Join(errs...))
}

func (f *Formula) metadata() map[string]any {
	md := map[string]any{"formula": f.name}
	for _, field := range []string{"socket", "core"} {
		if v, ok := f.key[field]; ok {
			md[field] = v
		}
	}
	return md
}

func (f *Formula) Stop(soft bool) {
	for name, p := range f.pushers {
		_ = p.Close()
		delete(f.pushers, name)
	}
}
