// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database/memory"
	"github.com/powerapi-ng/powerapi/internal/report"
	"github.com/powerapi-ng/powerapi/internal/service"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
)

func hwpcReports(n int) []report.Report {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reports := make([]report.Report, 0, n)
	for i := range n {
		reports = append(reports, report.HWPCReport{
			Header: report.Header{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Sensor:    "sensor",
				Target:    "all",
				Metadata:  map[string]any{},
			},
			Groups: report.Groups{
				"rapl": {
					"0": {"0": {"RAPL_ENERGY_PKG": int64(i)}},
					"1": {"4": {"RAPL_ENERGY_PKG": int64(i)}},
				},
			},
		})
	}
	return reports
}

// build generates the pipeline and its supervisor without launching it
func build(t *testing.T, stream bool, in, out *memory.DB) (*Pipeline, *supervisor.Supervisor) {
	t.Helper()
	ipc := actor.NewContext(actor.WithLogger(discard), actor.WithDirectory(t.TempDir()))

	cfg := baseConfig()
	cfg.Stream = &stream
	cfg.Pusher.MaxBufferSize = 1
	cfg.Puller.Interval = 10 * time.Millisecond
	cfg.Dispatcher.Rules = []config.DispatchRule{{Model: "HWPCReport", Depth: "socket", Primary: true}}

	p, err := Generate(ipc, cfg, registries(in, out)...)
	require.NoError(t, err)

	s := supervisor.New(ipc, supervisor.WithLogger(discard), supervisor.WithStream(stream))
	t.Cleanup(func() { _ = s.Shutdown() })
	return p, s
}

func launch(t *testing.T, stream bool, in, out *memory.DB) *supervisor.Supervisor {
	t.Helper()
	p, s := build(t, stream, in, out)
	for _, a := range p.Actors() {
		require.NoError(t, s.Launch(a, true), a.Name())
	}
	return s
}

func TestPipelinePostmortem(t *testing.T) {
	in, out := memory.New(nil, hwpcReports(10)...), memory.New(nil)
	s := launch(t, false, in, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx))
	assert.Zero(t, s.Alive())

	written := out.Written()
	require.Len(t, written, 20)
	sockets := map[any]int{}
	for _, r := range written {
		require.Equal(t, report.KindPower, r.Kind())
		pr := r.(report.PowerReport)
		assert.Equal(t, 10.0, pr.Power)
		sockets[pr.Metadata["socket"]]++
	}
	assert.Equal(t, map[any]int{"0": 10, "1": 10}, sockets)
}

func TestPipelineStreamShutdown(t *testing.T) {
	in, out := memory.New(nil, hwpcReports(3)...), memory.New(nil)
	s := launch(t, true, in, out)

	require.Eventually(t, func() bool {
		return len(out.Written()) == 6
	}, 5*time.Second, 10*time.Millisecond)

	// a new report is still processed while streaming
	in.Add(hwpcReports(1)...)
	require.Eventually(t, func() bool {
		return len(out.Written()) == 8
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, s.Shutdown())
	assert.Zero(t, s.Alive())
}

func TestPipelineStopsOnSIGTERM(t *testing.T) {
	in, out := memory.New(nil, hwpcReports(3)...), memory.New(nil)
	p, s := build(t, true, in, out)

	services := []service.Service{
		service.NewPipeline(discard, s, p.Actors()),
		service.NewSignalHandler(discard, syscall.SIGINT, syscall.SIGTERM),
	}
	require.NoError(t, service.Init(discard, services))
	require.Eventually(t, func() bool {
		return len(out.Written()) == 6
	}, 5*time.Second, 10*time.Millisecond)

	// SIGTERM would kill the test binary before the handler subscribes
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	done := make(chan error, 1)
	go func() { done <- service.Run(context.Background(), discard, services) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for stopped := false; !stopped; {
		select {
		case err := <-done:
			require.NoError(t, err)
			stopped = true
		case <-tick.C:
			require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
		case <-deadline:
			t.Fatal("pipeline still running 5s after SIGTERM")
		}
	}

	assert.Zero(t, s.Alive())
	for _, a := range p.Actors() {
		assert.False(t, a.Alive(), a.Name())
	}
}
