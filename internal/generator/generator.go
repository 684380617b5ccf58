// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package generator builds the actor graph of a pipeline out of its
// configuration. The graph is wired once: pullers route to the dispatcher
// (or to the pre-processor bound to them), formulas send to the pushers (or
// to the post-processor bound to them).
package generator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"k8s.io/utils/ptr"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/dispatcher"
	"github.com/powerapi-ng/powerapi/internal/filter"
	"github.com/powerapi-ng/powerapi/internal/formula"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/processor"
	"github.com/powerapi-ng/powerapi/internal/puller"
	"github.com/powerapi-ng/powerapi/internal/pusher"
	"github.com/powerapi-ng/powerapi/internal/report"
)

var (
	// ErrNotReadable is returned when an input uses an output only backend
	ErrNotReadable = errors.New("database can't be read")
	// ErrNotWritable is returned when an output uses an input only backend
	ErrNotWritable = errors.New("database can't be written")
	// ErrNoDispatchRule is returned for inputs whose reports no rule dispatches
	ErrNoDispatchRule = errors.New("no dispatch rule for report model")
	// ErrAlreadyBound is returned when two processors are bound to one actor
	ErrAlreadyBound = errors.New("actor already has a processor")
)

type Opts struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	databases  *database.Registry
	processors *processor.Registry
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

// WithDatabases sets the backends inputs and outputs are built from
func WithDatabases(r *database.Registry) OptionFn {
	return func(o *Opts) {
		o.databases = r
	}
}

// WithProcessors sets the processor types
func WithProcessors(r *processor.Registry) OptionFn {
	return func(o *Opts) {
		o.processors = r
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		databases:  DefaultDatabases(),
		processors: DefaultProcessors(),
	}
}

// Pipeline is the actor graph of a configuration
type Pipeline struct {
	Pushers        []*actor.Actor
	PostProcessors []*actor.Actor
	Dispatcher     *actor.Actor
	PreProcessors  []*actor.Actor
	Pullers        []*actor.Actor
}

// Actors returns every actor in launch order: an actor is launched after
// the actors it sends reports to.
func (p *Pipeline) Actors() []*actor.Actor {
	all := slices.Concat(p.Pushers, p.PostProcessors)
	if p.Dispatcher != nil {
		all = append(all, p.Dispatcher)
	}
	return slices.Concat(all, p.PreProcessors, p.Pullers)
}

// ByName indexes the actors by name
func (p *Pipeline) ByName() map[string]*actor.Actor {
	byName := map[string]*actor.Actor{}
	for _, a := range p.Actors() {
		byName[a.Name()] = a
	}
	return byName
}

type generator struct {
	Opts
	ipc *actor.Context
	cfg *config.Config

	names   map[string]bool
	routes  formula.Routes
	errs    []error
	pushTo  map[string]string // pusher name to the actor formulas send to
	pullsTo map[string]string // puller name to the actor it routes to
}

// Generate builds the pipeline of cfg. Every configuration error is
// reported, joined.
func Generate(ipc *actor.Context, cfg *config.Config, applyOpts ...OptionFn) (*Pipeline, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	g := &generator{
		Opts:    opts,
		ipc:     ipc,
		cfg:     cfg,
		names:   map[string]bool{},
		routes:  formula.Routes{},
		pushTo:  map[string]string{},
		pullsTo: map[string]string{},
	}

	p := &Pipeline{}
	p.Pushers = g.pushers()
	p.PostProcessors = g.postProcessors()
	p.Dispatcher = g.dispatcher()
	p.PreProcessors = g.preProcessors()
	p.Pullers = g.pullers()

	if len(g.errs) > 0 {
		return nil, errors.Join(g.errs...)
	}
	return p, nil
}

func (g *generator) fail(format string, args ...any) {
	g.errs = append(g.errs, fmt.Errorf(format, args...))
}

// claim reserves an actor name; names address the actor sockets
func (g *generator) claim(name string) bool {
	if g.names[name] {
		g.fail("%w: actor %q", database.ErrNameAlreadyUsed, name)
		return false
	}
	g.names[name] = true
	return true
}

func (g *generator) params(name string, kind report.Kind, c config.Component, f database.Factory) (database.Params, bool) {
	values, err := c.Resolve(f.Args)
	if err != nil {
		g.fail("%s: %w", name, err)
		return database.Params{}, false
	}
	return database.Params{
		Name:   name,
		Model:  kind,
		Values: values,
		Logger: g.logger.With("actor", name),
	}, true
}

func (g *generator) pushers() []*actor.Actor {
	var pushers []*actor.Actor
	for _, name := range g.cfg.Output.Names() {
		c := g.cfg.Output[name]
		if !g.claim(name) {
			continue
		}
		kind, err := config.ModelOf(c, report.KindPower)
		if err != nil {
			g.fail("output %s: %w", name, err)
			continue
		}
		f, err := g.databases.Lookup(c.Type)
		if err != nil {
			g.fail("output %s: %w", name, err)
			continue
		}
		if f.NewWritable == nil {
			g.fail("output %s: %w: %s", name, ErrNotWritable, c.Type)
			continue
		}
		p, ok := g.params(name, kind, c, f)
		if !ok {
			continue
		}
		db, err := f.NewWritable(p)
		if err != nil {
			g.fail("output %s: %w", name, err)
			continue
		}
		if !database.Supports(db.SupportedWriteKinds(), kind) {
			g.fail("output %s: %w: %s can't write %s", name, database.ErrUnsupportedKind, c.Type, kind)
			continue
		}

		pushers = append(pushers, pusher.New(g.ipc, name, db,
			pusher.WithLogger(g.logger),
			pusher.WithMetrics(g.metrics),
			pusher.WithMaxBufferSize(g.cfg.Pusher.MaxBufferSize),
			pusher.WithFlushInterval(g.cfg.Pusher.FlushInterval),
			pusher.WithMaxRetained(g.cfg.Pusher.MaxRetained),
		))
		g.routes[kind] = append(g.routes[kind], name)
		g.pushTo[name] = name
	}
	return pushers
}

// enricher builds the enricher of a processor bound, through key, to one
// of the actors in bindable
func (g *generator) enricher(group, name string, c config.Component, key string, bindable map[string]string) (processor.Enricher, string, bool) {
	f, err := g.processors.Lookup(c.Type)
	if err != nil {
		g.fail("%s %s: %w", group, name, err)
		return nil, "", false
	}
	args := append(slices.Clone(f.Args), config.Arg{Name: key, Type: config.ArgString, Required: true})
	values, err := c.Resolve(args)
	if err != nil {
		g.fail("%s %s: %w", group, name, err)
		return nil, "", false
	}

	bound := values.String(key)
	target, ok := bindable[bound]
	if !ok {
		g.fail("%s %s: %s %q does not exist", group, name, key, bound)
		return nil, "", false
	}
	if target != bound {
		g.fail("%s %s: %w: %s", group, name, ErrAlreadyBound, bound)
		return nil, "", false
	}

	e, err := f.New(values)
	if err != nil {
		g.fail("%s %s: %w", group, name, err)
		return nil, "", false
	}
	return e, bound, true
}

func (g *generator) postProcessors() []*actor.Actor {
	var processors []*actor.Actor
	for _, name := range g.cfg.PostProcessor.Names() {
		c := g.cfg.PostProcessor[name]
		if !g.claim(name) {
			continue
		}
		e, bound, ok := g.enricher("post-processor", name, c, config.PusherBinding, g.pushTo)
		if !ok {
			continue
		}

		processors = append(processors, processor.NewPostProcessor(g.ipc, name, e, bound,
			processor.WithLogger(g.logger),
			processor.WithMetrics(g.metrics),
		))
		g.pushTo[bound] = name
		for kind, targets := range g.routes {
			if i := slices.Index(targets, bound); i >= 0 {
				g.routes[kind][i] = name
			}
		}
	}
	return processors
}

func (g *generator) dispatcher() *actor.Actor {
	d := g.cfg.Dispatcher
	if !g.claim(d.Name) {
		return nil
	}

	table := dispatcher.NewRouteTable()
	for i, r := range d.Rules {
		rule, kind, err := newRule(r)
		if err != nil {
			g.fail("dispatch rule %d: %w", i, err)
			continue
		}
		if err := table.Add(kind, rule); err != nil {
			g.fail("dispatch rule %d: %w", i, err)
		}
	}

	ef, err := formula.LookupEstimator(g.cfg.Formula.Type)
	if err != nil {
		g.fail("formula: %w", err)
		return nil
	}
	values, err := g.cfg.Formula.Resolve(ef.Args)
	if err != nil {
		g.fail("formula: %w", err)
		return nil
	}

	routes := g.routes
	factory := func(ipc *actor.Context, name string, key formula.Key) *actor.Actor {
		return formula.New(ipc, name, key, ef.New(values), routes,
			formula.WithLogger(g.logger),
			formula.WithMetrics(g.metrics),
		)
	}
	a, err := dispatcher.New(g.ipc, d.Name, table, factory,
		dispatcher.WithLogger(g.logger),
		dispatcher.WithMetrics(g.metrics),
		dispatcher.WithHandshakeTimeout(g.cfg.IPC.HandshakeTimeout),
	)
	if err != nil {
		g.fail("%w", err)
		return nil
	}
	return a
}

func newRule(r config.DispatchRule) (dispatcher.Rule, report.Kind, error) {
	kind, err := report.ParseKind(r.Model)
	if err != nil {
		return nil, 0, err
	}
	depth, err := dispatcher.ParseDepth(r.Depth)
	if err != nil {
		return nil, 0, err
	}
	switch kind {
	case report.KindHWPC:
		return dispatcher.HWPCRule{Depth: depth, IsPrimary: r.Primary}, kind, nil
	case report.KindPower:
		return dispatcher.PowerRule{Depth: depth, IsPrimary: r.Primary}, kind, nil
	case report.KindProcfs:
		return dispatcher.ProcfsRule{Depth: depth, IsPrimary: r.Primary}, kind, nil
	}
	return nil, 0, fmt.Errorf("%s can't be dispatched", kind)
}

func (g *generator) preProcessors() []*actor.Actor {
	for _, name := range g.cfg.Input.Names() {
		g.pullsTo[name] = name
	}

	var processors []*actor.Actor
	for _, name := range g.cfg.PreProcessor.Names() {
		c := g.cfg.PreProcessor[name]
		if !g.claim(name) {
			continue
		}
		e, bound, ok := g.enricher("pre-processor", name, c, config.PullerBinding, g.pullsTo)
		if !ok {
			continue
		}

		processors = append(processors, processor.NewPreProcessor(g.ipc, name, e, []string{g.cfg.Dispatcher.Name},
			processor.WithLogger(g.logger),
			processor.WithMetrics(g.metrics),
		))
		g.pullsTo[bound] = name
	}
	return processors
}

func (g *generator) pullers() []*actor.Actor {
	dispatched := map[report.Kind]bool{}
	for _, r := range g.cfg.Dispatcher.Rules {
		if kind, err := report.ParseKind(r.Model); err == nil {
			dispatched[kind] = true
		}
	}

	var pullers []*actor.Actor
	for _, name := range g.cfg.Input.Names() {
		c := g.cfg.Input[name]
		if !g.claim(name) {
			continue
		}
		kind, err := config.ModelOf(c, report.KindHWPC)
		if err != nil {
			g.fail("input %s: %w", name, err)
			continue
		}
		if !dispatched[kind] {
			g.fail("input %s: %w: %s", name, ErrNoDispatchRule, kind)
			continue
		}
		f, err := g.databases.Lookup(c.Type)
		if err != nil {
			g.fail("input %s: %w", name, err)
			continue
		}
		if f.NewReadable == nil {
			g.fail("input %s: %w: %s", name, ErrNotReadable, c.Type)
			continue
		}
		p, ok := g.params(name, kind, c, f)
		if !ok {
			continue
		}
		db, err := f.NewReadable(p)
		if err != nil {
			g.fail("input %s: %w", name, err)
			continue
		}
		if !database.Supports(db.SupportedReadKinds(), kind) {
			g.fail("input %s: %w: %s can't read %s", name, database.ErrUnsupportedKind, c.Type, kind)
			continue
		}

		target := g.pullsTo[name]
		if target == name {
			target = g.cfg.Dispatcher.Name
		}
		routes := filter.New()
		routes.Register(filter.ByKind(kind), target)

		pullers = append(pullers, puller.New(g.ipc, name, db, routes,
			puller.WithLogger(g.logger),
			puller.WithMetrics(g.metrics),
			puller.WithStream(ptr.Deref(g.cfg.Stream, false)),
			puller.WithInterval(g.cfg.Puller.Interval),
		))
	}
	return pullers
}
