// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powerapi-ng/powerapi/internal/failure"
)

// Kind is the closed set of actor kinds of a pipeline
type Kind int

const (
	KindPuller Kind = iota + 1
	KindPreProcessor
	KindDispatcher
	KindFormula
	KindPostProcessor
	KindPusher
)

func (k Kind) String() string {
	switch k {
	case KindPuller:
		return "puller"
	case KindPreProcessor:
		return "pre-processor"
	case KindDispatcher:
		return "dispatcher"
	case KindFormula:
		return "formula"
	case KindPostProcessor:
		return "post-processor"
	case KindPusher:
		return "pusher"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// drainTimeout bounds the wait for pending messages on a soft poison pill
const drainTimeout = 100 * time.Millisecond

// Behavior is what an actor kind does with its messages.
// Handle selects on the concrete message type and returns an error
// classified with the failure package.
type Behavior interface {
	Kind() Kind
	// Setup runs in the actor goroutine once the sockets are bound
	Setup(a *Actor) error
	Handle(ctx context.Context, msg Message) error
}

// Starter is implemented by behaviors needing initialization on StartMessage
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by behaviors holding resources to release when
// the actor terminates.
type Stopper interface {
	Stop(soft bool)
}

// Actor runs a Behavior in its own goroutine, fed by its socket interface
type Actor struct {
	name     string
	behavior Behavior
	ipc      *Context
	socket   *SocketInterface
	logger   *slog.Logger
	timeout  time.Duration

	alive   atomic.Bool
	started bool
	stopped bool
	ready   chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

type ActorOpts struct {
	logger  *slog.Logger
	timeout time.Duration
}

// ActorOptionFn sets options of a new actor
type ActorOptionFn func(*ActorOpts)

// WithActorLogger sets the parent logger of the actor
func WithActorLogger(logger *slog.Logger) ActorOptionFn {
	return func(o *ActorOpts) {
		o.logger = logger
	}
}

// WithReceiveTimeout bounds each wait for a message; zero blocks
func WithReceiveTimeout(d time.Duration) ActorOptionFn {
	return func(o *ActorOpts) {
		o.timeout = d
	}
}

// New creates an actor called name running behavior b
func New(ipc *Context, name string, b Behavior, applyOpts ...ActorOptionFn) *Actor {
	opts := ActorOpts{logger: ipc.logger}
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Actor{
		name:     name,
		behavior: b,
		ipc:      ipc,
		socket:   NewSocketInterface(ipc, name),
		logger:   opts.logger.With("actor", name, "kind", b.Kind().String()),
		timeout:  opts.timeout,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Actor) Name() string           { return a.name }
func (a *Actor) Kind() Kind             { return a.behavior.Kind() }
func (a *Actor) Behavior() Behavior     { return a.behavior }
func (a *Actor) Logger() *slog.Logger   { return a.logger }
func (a *Actor) IPC() *Context          { return a.ipc }
func (a *Actor) Alive() bool            { return a.alive.Load() }
func (a *Actor) Ready() <-chan struct{} { return a.ready }
func (a *Actor) Done() <-chan struct{}  { return a.done }

// Err returns the failure that stopped the actor, if any
func (a *Actor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Terminate stops the actor without going through its message loop
func (a *Actor) Terminate() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	a.alive.Store(false)
	if cancel != nil {
		cancel()
	}
}

// Run binds the sockets and processes messages until the actor dies.
// Cancelling ctx kills the actor immediately.
func (a *Actor) Run(parent context.Context) error {
	defer close(a.done)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.socket.Setup(); err != nil {
		a.setErr(err)
		return err
	}
	a.alive.Store(true)

	go func() {
		<-ctx.Done()
		a.alive.Store(false)
		_ = a.socket.Close()
	}()

	if err := a.behavior.Setup(a); err != nil {
		a.logger.Error("actor setup failed", "error", err)
		a.setErr(err)
		a.alive.Store(false)
		a.teardown(false)
		_ = a.socket.Close()
		return err
	}
	close(a.ready)
	a.logger.Debug("actor started")

	for a.alive.Load() {
		msg, err := a.socket.Receive(a.timeout)
		if err != nil {
			break
		}
		if msg == nil {
			continue
		}
		a.handle(ctx, msg)
	}

	a.alive.Store(false)
	a.teardown(false)
	_ = a.socket.Close()
	a.logger.Debug("actor stopped")
	return a.Err()
}

func (a *Actor) handle(ctx context.Context, msg Message) {
	var err error
	switch m := msg.(type) {
	case StartMessage:
		err = a.start(ctx, m)
	case PoisonPillMessage:
		a.poisonPill(ctx, m)
		return
	default:
		err = a.behavior.Handle(ctx, msg)
	}
	a.report(msg, err)
}

func (a *Actor) report(msg Message, err error) {
	if err == nil {
		return
	}
	if failure.KindOf(err) == failure.Recoverable {
		a.logger.Warn("failed to handle message", "message", fmt.Sprintf("%T", msg), "error", err)
		return
	}
	a.logger.Error("fatal failure, stopping actor", "message", fmt.Sprintf("%T", msg), "error", err)
	a.setErr(err)
	a.alive.Store(false)
}

func (a *Actor) start(ctx context.Context, msg StartMessage) error {
	if a.started {
		_ = a.socket.SendControl(ErrorMessage{Sender: a.name, Reason: "actor already started"})
		return failure.Recoverablef("start requested by %s but actor already started", msg.Sender)
	}

	if s, ok := a.behavior.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			_ = a.socket.SendControl(ErrorMessage{Sender: a.name, Reason: err.Error()})
			return failure.AsFatal(fmt.Errorf("failed to start: %w", err))
		}
	}
	a.started = true
	if err := a.socket.SendControl(OKMessage{Sender: a.name}); err != nil {
		return failure.AsRecoverable(fmt.Errorf("failed to acknowledge start: %w", err))
	}
	return nil
}

func (a *Actor) poisonPill(ctx context.Context, msg PoisonPillMessage) {
	a.logger.Debug("received poison pill", "sender", msg.Sender, "soft", msg.Soft)
	if msg.Soft {
		for {
			pending, err := a.socket.Receive(drainTimeout)
			if err != nil || pending == nil {
				break
			}
			switch pending.(type) {
			case StartMessage, PoisonPillMessage:
				continue
			}
			a.report(pending, a.behavior.Handle(ctx, pending))
		}
	}
	a.teardown(msg.Soft)
	a.alive.Store(false)
}

func (a *Actor) teardown(soft bool) {
	if a.stopped {
		return
	}
	a.stopped = true
	if s, ok := a.behavior.(Stopper); ok {
		s.Stop(soft)
	}
}

func (a *Actor) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}
