// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher implements the actor sending each report to the formula
// in charge of its dispatch key, creating formulas on demand.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/formula"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/report"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
)

// FormulaFactory creates the formula actor called name for key
type FormulaFactory func(ipc *actor.Context, name string, key formula.Key) *actor.Actor

type Opts struct {
	logger           *slog.Logger
	metrics          *metrics.Recorder
	handshakeTimeout time.Duration
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

// WithHandshakeTimeout bounds the start handshake of new formulas
func WithHandshakeTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.handshakeTimeout = d
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:           slog.Default(),
		handshakeTimeout: 2 * time.Second,
	}
}

type pooled struct {
	id    FormulaID
	proxy *actor.Proxy
}

// Dispatcher owns a route table and the pool of formulas
type Dispatcher struct {
	name             string
	table            *RouteTable
	factory          FormulaFactory
	ipc              *actor.Context
	logger           *slog.Logger
	metrics          *metrics.Recorder
	handshakeTimeout time.Duration

	supervisor *supervisor.Supervisor
	formulas   map[string]*pooled
}

var (
	_ actor.Behavior = (*Dispatcher)(nil)
	_ actor.Stopper  = (*Dispatcher)(nil)
)

// New creates a dispatcher actor. The route table must hold a primary rule.
func New(ipc *actor.Context, name string, table *RouteTable, factory FormulaFactory, applyOpts ...OptionFn) (*actor.Actor, error) {
	if table.Primary() == nil {
		return nil, fmt.Errorf("dispatcher %s: route table has no primary rule", name)
	}
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	d := &Dispatcher{
		name:             name,
		table:            table,
		factory:          factory,
		ipc:              ipc,
		logger:           opts.logger,
		metrics:          opts.metrics,
		handshakeTimeout: opts.handshakeTimeout,
		formulas:         map[string]*pooled{},
	}
	return actor.New(ipc, name, d, actor.WithActorLogger(opts.logger)), nil
}

func (d *Dispatcher) Kind() actor.Kind { return actor.KindDispatcher }

func (d *Dispatcher) Setup(a *actor.Actor) error {
	d.logger = a.Logger()
	d.supervisor = supervisor.New(d.ipc,
		supervisor.WithName(d.name),
		supervisor.WithLogger(d.logger),
		supervisor.WithHandshakeTimeout(d.handshakeTimeout),
	)
	return nil
}

func (d *Dispatcher) Handle(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case actor.ReportMessage:
		return d.dispatch(m.Report)
	default:
		return actor.UnknownMessage(msg)
	}
}

func (d *Dispatcher) dispatch(r report.Report) error {
	d.metrics.Received(d.name)
	rule := d.table.Rule(r)
	if rule == nil {
		d.metrics.Dropped(d.name, "no-rule", 1)
		return failure.Recoverablef("no dispatch rule for %s", r.Kind())
	}

	ids, err := d.formulaIDs(r, rule)
	if err != nil {
		d.metrics.Dropped(d.name, "bad-report", 1)
		return failure.AsRecoverable(err)
	}
	if len(ids) == 0 {
		d.metrics.Dropped(d.name, "no-formula-id", 1)
		return failure.Recoverablef("no formula id for %s report of %s", r.Kind(), r.Head().Sensor)
	}

	primary := d.table.Primary().Fields()
	var errs []error
	for _, id := range ids {
		var targets []*pooled
		if len(id) == len(primary) {
			f, err := d.formula(id)
			if err != nil {
				d.metrics.Dropped(d.name, "formula-unavailable", 1)
				errs = append(errs, err)
				continue
			}
			targets = append(targets, f)
		} else {
			targets = d.matching(id)
		}

		for _, f := range targets {
			if err := f.proxy.SendReport(r); err != nil {
				errs = append(errs, fmt.Errorf("failed to send to formula %s: %w", f.id, err))
				continue
			}
			d.metrics.Sent(d.name, 1)
		}
	}
	return failure.AsRecoverable(errors.Join(errs...))
}

// formulaIDs maps the ids of rule onto the fields of the primary rule. Ids
// of a secondary rule are truncated to the leading fields both rules share
// and address every formula with that prefix.
func (d *Dispatcher) formulaIDs(r report.Report, rule Rule) ([]FormulaID, error) {
	ids, err := rule.FormulaIDs(r)
	if err != nil || rule.Primary() {
		return ids, err
	}

	primary := d.table.Primary().Fields()
	fields := rule.Fields()
	var mapped []FormulaID
	for _, id := range ids {
		var prefix FormulaID
		for i := range id {
			if i >= len(primary) || i >= len(fields) || fields[i] != primary[i] {
				break
			}
			prefix = append(prefix, id[i])
		}
		if !slices.ContainsFunc(mapped, func(m FormulaID) bool { return slices.Equal(m, prefix) }) {
			mapped = append(mapped, prefix)
		}
	}
	return mapped, nil
}

// formula returns the formula of id, launching it on first use. When the
// launch fails the report is dropped and the next report retries.
func (d *Dispatcher) formula(id FormulaID) (*pooled, error) {
	if f, ok := d.formulas[id.String()]; ok {
		return f, nil
	}

	name := d.name + "/" + id.String()
	a := d.factory(d.ipc, name, d.key(id))
	if err := d.supervisor.Launch(a, true); err != nil {
		return nil, fmt.Errorf("failed to create formula %s: %w", name, err)
	}

	p := actor.NewProxy(d.ipc, name, d.name)
	if err := p.ConnectData(); err != nil {
		a.Terminate()
		return nil, fmt.Errorf("failed to connect formula %s: %w", name, err)
	}

	f := &pooled{id: id, proxy: p}
	d.formulas[id.String()] = f
	d.metrics.SetActiveFormulas(d.name, len(d.formulas))
	d.logger.Debug("formula created", "formula", name)
	return f, nil
}

func (d *Dispatcher) key(id FormulaID) formula.Key {
	key := formula.Key{}
	for i, field := range d.table.Primary().Fields() {
		if i < len(id) {
			key[field] = id[i]
		}
	}
	return key
}

func (d *Dispatcher) matching(prefix FormulaID) []*pooled {
	var found []*pooled
	for _, k := range sortedKeys(d.formulas) {
		f := d.formulas[k]
		if len(f.id) >= len(prefix) && slices.Equal(f.id[:len(prefix)], prefix) {
			found = append(found, f)
		}
	}
	return found
}

// Formulas returns the names of the formulas created so far
func (d *Dispatcher) Formulas() []string {
	names := make([]string, 0, len(d.formulas))
	for _, k := range sortedKeys(d.formulas) {
		names = append(names, d.name+"/"+d.formulas[k].id.String())
	}
	return names
}

// Stop kills the formula pool, forwarding the kind of poison pill received
func (d *Dispatcher) Stop(soft bool) {
	for _, f := range d.formulas {
		_ = f.proxy.Close()
	}
	if d.supervisor != nil {
		d.supervisor.KillActors(soft)
		if err := d.supervisor.Shutdown(); err != nil {
			d.logger.Warn("failed to stop formulas", "error", err)
		}
	}
	d.logger.Debug("formulas stopped", "formulas", strings.Join(d.Formulas(), ","))
	d.formulas = map[string]*pooled{}
	d.metrics.SetActiveFormulas(d.name, 0)
}
