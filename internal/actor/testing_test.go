// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/powerapi-ng/powerapi/internal/report"
)

func newTestContext() *Context {
	return NewContext(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// recorder is a behavior keeping every report it handles
type recorder struct {
	mu       sync.Mutex
	reports  []report.Report
	startErr error
	handle   func(Message) error
	stopped  chan bool
}

func newRecorder() *recorder {
	return &recorder{stopped: make(chan bool, 1)}
}

func (r *recorder) Kind() Kind           { return KindFormula }
func (r *recorder) Setup(a *Actor) error { return nil }

func (r *recorder) Start(ctx context.Context) error { return r.startErr }

func (r *recorder) Stop(soft bool) { r.stopped <- soft }

func (r *recorder) Handle(ctx context.Context, msg Message) error {
	if r.handle != nil {
		if err := r.handle(msg); err != nil {
			return err
		}
	}
	switch m := msg.(type) {
	case ReportMessage:
		r.mu.Lock()
		r.reports = append(r.reports, m.Report)
		r.mu.Unlock()
		return nil
	default:
		return UnknownMessage(msg)
	}
}

func (r *recorder) Reports() []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Report(nil), r.reports...)
}

func startActor(t *testing.T, a *Actor) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()
	select {
	case <-a.Ready():
	case err := <-errCh:
		t.Fatalf("actor stopped before being ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("actor not ready in time")
	}
	t.Cleanup(a.Terminate)
}

func powerReport(sensor string, ts int64) report.Report {
	return report.PowerReport{
		Header: report.Header{
			Timestamp: time.UnixMilli(ts).UTC(),
			Sensor:    sensor,
			Target:    "all",
			Metadata:  map[string]any{},
		},
		Power: 42,
	}
}

var errBoom = errors.New("boom")
