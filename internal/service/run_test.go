// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/internal/actor"
)

// journal records lifecycle calls across services
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// component stands for a service running next to the pipeline, such as the
// API server
type component struct {
	name        string
	journal     *journal
	initErr     error
	runErr      error
	shutdownErr error
}

func (c *component) Name() string { return c.name }

func (c *component) Init() error {
	c.journal.add(c.name + " init")
	return c.initErr
}

func (c *component) Run(ctx context.Context) error {
	if c.runErr != nil {
		return c.runErr
	}
	<-ctx.Done()
	return nil
}

func (c *component) Shutdown() error {
	c.journal.add(c.name + " shutdown")
	return c.shutdownErr
}

func TestInit(t *testing.T) {
	t.Run("launches the pipeline", func(t *testing.T) {
		j := &journal{}
		p, _ := newPipeline(t, &idle{kind: actor.KindPusher}, &idle{kind: actor.KindPuller})

		require.NoError(t, Init(discard, []Service{p, &component{name: "api", journal: j}}))
		assert.True(t, p.IsReady())
		assert.Equal(t, []string{"api init"}, j.all())
	})

	t.Run("failure shuts down initialized services in reverse order", func(t *testing.T) {
		j := &journal{}
		p, actors := newPipeline(t,
			&idle{kind: actor.KindPusher},
			&idle{kind: actor.KindPuller, setupErr: errors.New("no database")},
		)
		services := []Service{
			&component{name: "metrics", journal: j},
			&component{name: "api", journal: j},
			p,
			&component{name: "probe", journal: j},
		}

		err := Init(discard, services)
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to initialize service pipeline")
		assert.Equal(t, []string{"metrics init", "api init", "api shutdown", "metrics shutdown"}, j.all())
		assert.False(t, p.IsLive())
		assert.False(t, actors[0].Alive())
	})

	t.Run("shutdown failures are joined", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("address in use")
		shutdownErr := errors.New("still serving")
		services := []Service{
			&component{name: "metrics", journal: j, shutdownErr: shutdownErr},
			&component{name: "api", journal: j, initErr: initErr},
		}

		err := Init(discard, services)
		assert.ErrorIs(t, err, initErr)
		assert.ErrorIs(t, err, shutdownErr)
		assert.Equal(t, []string{"metrics init", "api init", "metrics shutdown"}, j.all())
	})
}

func TestRun(t *testing.T) {
	t.Run("cancel stops the pipeline", func(t *testing.T) {
		p, actors := newPipeline(t, &idle{kind: actor.KindPusher}, &idle{kind: actor.KindPuller})
		require.NoError(t, Init(discard, []Service{p}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Run(ctx, discard, []Service{p}) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after cancellation")
		}
		for _, a := range actors {
			assert.False(t, a.Alive(), a.Name())
		}
	})

	t.Run("a failing service stops the pipeline", func(t *testing.T) {
		j := &journal{}
		runErr := errors.New("listener closed")
		p, _ := newPipeline(t, &idle{kind: actor.KindPusher}, &idle{kind: actor.KindPuller})
		api := &component{name: "api", journal: j, runErr: runErr}
		services := []Service{p, api}
		require.NoError(t, Init(discard, services))

		err := Run(context.Background(), discard, services)
		assert.ErrorIs(t, err, runErr)
		assert.False(t, p.IsLive())
		assert.Equal(t, []string{"api init", "api shutdown"}, j.all())
	})
}
