// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
)

// Pipeline launches the actors of a pipeline under a supervisor. Run returns
// when the pipeline is over: once every report is pushed in postmortem mode,
// on cancellation in stream mode.
type Pipeline struct {
	logger *slog.Logger
	sup    *supervisor.Supervisor
	actors []*actor.Actor
}

var (
	_ Initializer  = (*Pipeline)(nil)
	_ Runner       = (*Pipeline)(nil)
	_ Shutdowner   = (*Pipeline)(nil)
	_ LiveChecker  = (*Pipeline)(nil)
	_ ReadyChecker = (*Pipeline)(nil)
)

// NewPipeline creates the service; actors must be given in launch order
func NewPipeline(logger *slog.Logger, sup *supervisor.Supervisor, actors []*actor.Actor) *Pipeline {
	return &Pipeline{
		logger: logger.With("service", "pipeline"),
		sup:    sup,
		actors: actors,
	}
}

func (p *Pipeline) Name() string {
	return "pipeline"
}

// Init launches every actor. Actors already launched are killed when one
// fails to start.
func (p *Pipeline) Init() error {
	for _, a := range p.actors {
		if err := p.sup.Launch(a, true); err != nil {
			if shutdownErr := p.sup.Shutdown(); shutdownErr != nil {
				p.logger.Warn("failed to stop launched actors", "error", shutdownErr)
			}
			return fmt.Errorf("failed to launch %s %s: %w", a.Kind(), a.Name(), err)
		}
	}
	p.logger.Info("pipeline launched", "actors", len(p.actors))
	return nil
}

func (p *Pipeline) Run(ctx context.Context) error {
	return p.sup.Run(ctx)
}

func (p *Pipeline) Shutdown() error {
	return p.sup.Shutdown()
}

// IsLive reports whether an actor still runs
func (p *Pipeline) IsLive() bool {
	return p.sup.Alive() > 0
}

// IsReady reports whether every supervised actor is alive
func (p *Pipeline) IsReady() bool {
	return p.sup.AllAlive()
}
