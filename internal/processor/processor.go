// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor implements the actors enriching reports between a puller
// and its dispatchers, or between formulas and a pusher.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// Enricher transforms a report. Returning a nil report drops it.
type Enricher interface {
	Enrich(r report.Report) (report.Report, error)
}

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

// Processor forwards the enriched reports to its targets
type Processor struct {
	name     string
	kind     actor.Kind
	enricher Enricher
	ipc      *actor.Context
	logger   *slog.Logger
	metrics  *metrics.Recorder

	targets []string
	proxies map[string]*actor.Proxy
}

var (
	_ actor.Behavior = (*Processor)(nil)
	_ actor.Starter  = (*Processor)(nil)
	_ actor.Stopper  = (*Processor)(nil)
)

// NewPreProcessor creates a processor placed between a puller and targets
func NewPreProcessor(ipc *actor.Context, name string, e Enricher, targets []string, applyOpts ...OptionFn) *actor.Actor {
	return newActor(ipc, name, actor.KindPreProcessor, e, targets, applyOpts...)
}

// NewPostProcessor creates a processor placed in front of the pusher target
func NewPostProcessor(ipc *actor.Context, name string, e Enricher, target string, applyOpts ...OptionFn) *actor.Actor {
	return newActor(ipc, name, actor.KindPostProcessor, e, []string{target}, applyOpts...)
}

func newActor(ipc *actor.Context, name string, kind actor.Kind, e Enricher, targets []string, applyOpts ...OptionFn) *actor.Actor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	p := &Processor{
		name:     name,
		kind:     kind,
		enricher: e,
		ipc:      ipc,
		logger:   opts.logger,
		metrics:  opts.metrics,
		targets:  slices.Clone(targets),
		proxies:  map[string]*actor.Proxy{},
	}
	return actor.New(ipc, name, p, actor.WithActorLogger(opts.logger))
}

func (p *Processor) Kind() actor.Kind { return p.kind }

func (p *Processor) Setup(a *actor.Actor) error {
	p.logger = a.Logger()
	return nil
}

func (p *Processor) Start(ctx context.Context) error {
	for _, name := range p.targets {
		if err := p.connect(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) connect(name string) error {
	if _, ok := p.proxies[name]; ok {
		return nil
	}
	proxy := actor.NewProxy(p.ipc, name, p.name)
	if err := proxy.ConnectData(); err != nil {
		return fmt.Errorf("failed to connect %s: %w", name, err)
	}
	p.proxies[name] = proxy
	return nil
}

func (p *Processor) Handle(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case actor.ReportMessage:
		return p.process(m.Report)
	case actor.UpdateRoutesMessage:
		return p.updateRoutes(m)
	default:
		return actor.UnknownMessage(msg)
	}
}

func (p *Processor) process(r report.Report) error {
	p.metrics.Received(p.name)
	out, err := p.enricher.Enrich(r)
	if err != nil {
		p.metrics.Dropped(p.name, "enrich-failed", 1)
		return failure.AsRecoverable(err)
	}
	if out == nil {
		p.metrics.Dropped(p.name, "filtered", 1)
		return nil
	}

	var errs []error
	for _, name := range p.targets {
		if err := p.proxies[name].SendReport(out); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", name, err))
			continue
		}
		p.metrics.Sent(p.name, 1)
	}
	return failure.AsRecoverable(errors.Join(errs...))
}

func (p *Processor) updateRoutes(msg actor.UpdateRoutesMessage) error {
	var errs []error
	for _, old := range slices.Sorted(maps.Keys(msg.Routes)) {
		target := msg.Routes[old]
		i := slices.Index(p.targets, old)
		if i < 0 {
			continue
		}
		if err := p.connect(target); err != nil {
			errs = append(errs, err)
			continue
		}
		p.targets[i] = target
		if proxy, ok := p.proxies[old]; ok {
			_ = proxy.Close()
			delete(p.proxies, old)
		}
		p.logger.Info("routes updated", "from", old, "to", target, "sender", msg.Sender)
	}
	return failure.AsRecoverable(errors.Join(errs...))
}

// Targets returns the actors the processor forwards to
func (p *Processor) Targets() []string {
	return slices.Clone(p.targets)
}

func (p *Processor) Stop(soft bool) {
	for name, proxy := range p.proxies {
		_ = proxy.Close()
		delete(p.proxies, name)
	}
}
