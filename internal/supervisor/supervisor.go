// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor launches actors, watches them and tears the actor tree
// down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/metrics"
)

var (
	// ErrActorInit is returned when an actor answers the start handshake with an error
	ErrActorInit = errors.New("actor initialization error")
	// ErrFailConfigure is returned when an alive actor does not answer the start handshake in time
	ErrFailConfigure = errors.New("actor failed to configure")
	// ErrCrashConfigure is returned when an actor dies during the start handshake
	ErrCrashConfigure = errors.New("actor crashed during configuration")
	// ErrAlreadySupervised is returned when launching an actor whose name is taken
	ErrAlreadySupervised = errors.New("actor already supervised")
)

// postmortemOrder is the order actors are soft killed once every puller is done
var postmortemOrder = []actor.Kind{
	actor.KindPreProcessor,
	actor.KindDispatcher,
	actor.KindPostProcessor,
	actor.KindPusher,
}

// Supervisor owns a set of actors. Every actor runs under a context derived
// from the supervisor root context.
type Supervisor struct {
	name             string
	ipc              *actor.Context
	logger           *slog.Logger
	metrics          *metrics.Recorder
	handshakeTimeout time.Duration
	killTimeout      time.Duration
	stream           bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors []*actor.Actor
	names  map[string]struct{}
}

type Opts struct {
	name             string
	logger           *slog.Logger
	metrics          *metrics.Recorder
	handshakeTimeout time.Duration
	killTimeout      time.Duration
	stream           bool
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithName sets the name used as sender of control messages
func WithName(name string) OptionFn {
	return func(o *Opts) {
		o.name = name
	}
}

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

// WithHandshakeTimeout bounds the wait for the answer to a StartMessage
func WithHandshakeTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.handshakeTimeout = d
	}
}

// WithKillTimeout bounds the wait for actors to stop once killed
func WithKillTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.killTimeout = d
	}
}

// WithStream selects how Run joins the actors: in stream mode it waits for
// every actor, otherwise it stops the pipeline once the pullers are done.
func WithStream(stream bool) OptionFn {
	return func(o *Opts) {
		o.stream = stream
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		name:             "supervisor",
		logger:           slog.Default(),
		handshakeTimeout: 2 * time.Second,
		killTimeout:      5 * time.Second,
	}
}

// New creates a supervisor of actors sharing ipc
func New(ipc *actor.Context, applyOpts ...OptionFn) *Supervisor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		name:             opts.name,
		ipc:              ipc,
		logger:           opts.logger.With("service", opts.name),
		metrics:          opts.metrics,
		handshakeTimeout: opts.handshakeTimeout,
		killTimeout:      opts.killTimeout,
		stream:           opts.stream,
		ctx:              ctx,
		cancel:           cancel,
		names:            map[string]struct{}{},
	}
}

func (s *Supervisor) Name() string {
	return s.name
}

// Launch runs a in its own goroutine. With sendStart the supervisor performs
// the start handshake and only supervises a once it answered OK.
func (s *Supervisor) Launch(a *actor.Actor, sendStart bool) error {
	s.mu.Lock()
	if _, taken := s.names[a.Name()]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySupervised, a.Name())
	}
	s.names[a.Name()] = struct{}{}
	s.mu.Unlock()

	if err := s.launch(a, sendStart); err != nil {
		s.mu.Lock()
		delete(s.names, a.Name())
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.actors = append(s.actors, a)
	s.mu.Unlock()
	s.metrics.ActorLaunched(a.Kind().String())
	go func() {
		<-a.Done()
		s.metrics.ActorStopped(a.Kind().String())
	}()
	s.logger.Debug("actor launched", "actor", a.Name(), "kind", a.Kind().String())
	return nil
}

func (s *Supervisor) launch(a *actor.Actor, sendStart bool) error {
	go func() {
		if err := a.Run(s.ctx); err != nil {
			s.logger.Debug("actor terminated", "actor", a.Name(), "error", err)
		}
	}()

	select {
	case <-a.Ready():
	case <-a.Done():
		return fmt.Errorf("%w: %s: %w", ErrCrashConfigure, a.Name(), a.Err())
	case <-time.After(s.handshakeTimeout):
		a.Terminate()
		return fmt.Errorf("%w: %s: setup timed out", ErrFailConfigure, a.Name())
	}
	if !sendStart {
		return nil
	}

	p := actor.NewProxy(s.ipc, a.Name(), s.name)
	defer p.Close()
	if err := p.ConnectControl(); err != nil {
		a.Terminate()
		return fmt.Errorf("%w: %s: %w", ErrCrashConfigure, a.Name(), err)
	}
	if err := p.SendControl(actor.StartMessage{Sender: s.name}); err != nil {
		a.Terminate()
		return fmt.Errorf("%w: %s: %w", ErrCrashConfigure, a.Name(), err)
	}

	reply, err := p.ReceiveControl(s.handshakeTimeout)
	switch m := reply.(type) {
	case actor.OKMessage:
		return nil
	case actor.ErrorMessage:
		return fmt.Errorf("%w: %s: %s", ErrActorInit, a.Name(), m.Reason)
	case nil:
		if err == nil && a.Alive() {
			a.Terminate()
			return fmt.Errorf("%w: %s: no answer after %s", ErrFailConfigure, a.Name(), s.handshakeTimeout)
		}
		return fmt.Errorf("%w: %s", ErrCrashConfigure, a.Name())
	default:
		a.Terminate()
		return fmt.Errorf("%w: %s: unexpected answer %T", ErrFailConfigure, a.Name(), reply)
	}
}

// Actors returns the supervised actors in launch order
func (s *Supervisor) Actors() []*actor.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*actor.Actor(nil), s.actors...)
}

func (s *Supervisor) byKind(kind actor.Kind) []*actor.Actor {
	var found []*actor.Actor
	for _, a := range s.Actors() {
		if a.Kind() == kind {
			found = append(found, a)
		}
	}
	return found
}

// Alive returns the number of supervised actors still running
func (s *Supervisor) Alive() int {
	n := 0
	for _, a := range s.Actors() {
		if a.Alive() {
			n++
		}
	}
	return n
}

// AllAlive reports whether every supervised actor is running
func (s *Supervisor) AllAlive() bool {
	actors := s.Actors()
	for _, a := range actors {
		if !a.Alive() {
			return false
		}
	}
	return len(actors) > 0
}

// Join waits for the actors to finish. In postmortem mode, once every puller
// is done the remaining actors are soft killed stage by stage so that every
// report read reaches the pushers.
func (s *Supervisor) Join(ctx context.Context) error {
	if s.stream {
		return s.wait(ctx, s.Actors())
	}

	if err := s.wait(ctx, s.byKind(actor.KindPuller)); err != nil {
		return err
	}
	s.logger.Info("every puller is done, stopping the pipeline")
	for _, kind := range postmortemOrder {
		stage := s.byKind(kind)
		s.kill(stage, true)
		if err := s.wait(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) wait(ctx context.Context, actors []*actor.Actor) error {
	for _, a := range actors {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// KillActors sends a poison pill to every supervised actor then waits for
// them. Actors still running after the kill timeout are terminated.
func (s *Supervisor) KillActors(soft bool) {
	s.kill(s.Actors(), soft)
}

func (s *Supervisor) kill(actors []*actor.Actor, soft bool) {
	var wg sync.WaitGroup
	for _, a := range actors {
		if !a.Alive() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := actor.NewProxy(s.ipc, a.Name(), s.name)
			var err error
			if soft {
				err = p.SoftKill()
			} else {
				err = p.HardKill()
			}
			if err != nil {
				s.logger.Debug("failed to send poison pill", "actor", a.Name(), "error", err)
			}

			select {
			case <-a.Done():
			case <-time.After(s.killTimeout):
				s.logger.Warn("actor did not stop in time, terminating", "actor", a.Name())
				a.Terminate()
				<-a.Done()
			}
		}()
	}
	wg.Wait()
}

// Run joins the actors and returns once the pipeline is over
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervising actors", "count", len(s.Actors()), "stream", s.stream)
	err := s.Join(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown hard kills every actor then releases the supervisor context
func (s *Supervisor) Shutdown() error {
	s.logger.Info("shutting down actors", "alive", s.Alive())
	s.KillActors(false)
	s.cancel()
	if n := s.Alive(); n != 0 {
		return fmt.Errorf("%d actors still alive", n)
	}
	return nil
}
