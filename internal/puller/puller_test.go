// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package puller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/database/memory"
	"github.com/powerapi-ng/powerapi/internal/filter"
	"github.com/powerapi-ng/powerapi/internal/pusher"
	"github.com/powerapi-ng/powerapi/internal/report"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func hwpc(i int) report.Report {
	return report.HWPCReport{Header: report.Header{
		Timestamp: time.UnixMilli(int64(i)).UTC(),
		Sensor:    "sensor",
		Target:    "all",
	}}
}

// flakyDB fails its first read then serves its reports, skipping a bad item
type flakyDB struct {
	mu      sync.Mutex
	reads   int
	reports []report.Report
}

func (db *flakyDB) Connect(context.Context) error { return nil }
func (db *flakyDB) Disconnect()                   {}

func (db *flakyDB) SupportedReadKinds() []report.Kind { return []report.Kind{report.KindHWPC} }

func (db *flakyDB) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		db.mu.Lock()
		db.reads++
		first := db.reads == 1
		reports := db.reports
		db.reports = nil
		db.mu.Unlock()

		if first {
			yield(nil, fmt.Errorf("%w: timeout", database.ErrReadFailed))
			return
		}
		if !yield(nil, fmt.Errorf("%w: garbage", database.ErrBadInput)) {
			return
		}
		for _, r := range reports {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (db *flakyDB) Reads() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.reads
}

type pipeline struct {
	ipc    *actor.Context
	sup    *supervisor.Supervisor
	sink   *memory.DB
	target string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ipc := actor.NewContext(actor.WithLogger(discard))
	sup := supervisor.New(ipc, supervisor.WithLogger(discard))
	t.Cleanup(func() { _ = sup.Shutdown() })

	sink := memory.New(nil)
	name := "pusher-" + uuid.NewString()[:8]
	require.NoError(t, sup.Launch(pusher.New(ipc, name, sink, pusher.WithLogger(discard), pusher.WithMaxBufferSize(1)), true))
	return &pipeline{ipc: ipc, sup: sup, sink: sink, target: name}
}

func (p *pipeline) filter() *filter.Filter {
	f := filter.New()
	f.Register(filter.All(), p.target)
	return f
}

func waitDone(t *testing.T, a *actor.Actor) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("puller should stop")
	}
}

func TestPostmortem(t *testing.T) {
	p := newPipeline(t)
	db := memory.New(nil)
	for i := range 10 {
		db.Add(hwpc(i))
	}

	a := New(p.ipc, "puller-"+uuid.NewString()[:8], db, p.filter(), WithLogger(discard))
	require.NoError(t, p.sup.Launch(a, true))

	waitDone(t, a)
	assert.False(t, db.Connected(), "database is disconnected")
	require.Eventually(t, func() bool { return len(p.sink.Written()) == 10 }, 3*time.Second, 10*time.Millisecond)
	for i, r := range p.sink.Written() {
		assert.Equal(t, int64(i), r.Head().Timestamp.UnixMilli(), "reports are forwarded in read order")
	}
}

func TestConnectFailureStopsPuller(t *testing.T) {
	p := newPipeline(t)
	db := memory.New(nil)
	db.ConnectErr = errors.New("refused")

	a := New(p.ipc, "puller-"+uuid.NewString()[:8], db, p.filter(), WithLogger(discard), WithStream(true))
	require.NoError(t, p.sup.Launch(a, true))
	waitDone(t, a)
}

func TestReadFailureIsRetried(t *testing.T) {
	p := newPipeline(t)
	fake := clocktesting.NewFakeClock(time.Unix(0, 0))
	db := &flakyDB{reports: []report.Report{hwpc(1), hwpc(2)}}

	a := New(p.ipc, "puller-"+uuid.NewString()[:8], db, p.filter(), WithLogger(discard), WithClock(fake), WithInterval(time.Second))
	require.NoError(t, p.sup.Launch(a, true))

	require.Eventually(t, func() bool { return db.Reads() == 1 && fake.HasWaiters() }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, a.Alive(), "a read failure does not stop the puller")

	fake.Step(time.Second)
	waitDone(t, a)
	assert.Equal(t, 2, db.Reads())
	require.Eventually(t, func() bool { return len(p.sink.Written()) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestStream(t *testing.T) {
	p := newPipeline(t)
	fake := clocktesting.NewFakeClock(time.Unix(0, 0))
	db := memory.New(nil, hwpc(0))

	a := New(p.ipc, "puller-"+uuid.NewString()[:8], db, p.filter(), WithLogger(discard), WithClock(fake), WithStream(true))
	require.NoError(t, p.sup.Launch(a, true))

	require.Eventually(t, func() bool { return len(p.sink.Written()) == 1 && fake.HasWaiters() }, 3*time.Second, 10*time.Millisecond)

	db.Add(hwpc(1), hwpc(2))
	fake.Step(DefaultInterval)
	require.Eventually(t, func() bool { return len(p.sink.Written()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, a.Alive(), "stream mode polls forever")

	require.NoError(t, actor.NewProxy(p.ipc, a.Name(), "test").SoftKill())
	waitDone(t, a)
}

func TestUpdateRoutes(t *testing.T) {
	p := newPipeline(t)
	other := memory.New(nil)
	otherName := "pusher-" + uuid.NewString()[:8]
	require.NoError(t, p.sup.Launch(pusher.New(p.ipc, otherName, other, pusher.WithLogger(discard), pusher.WithMaxBufferSize(1)), true))

	b := NewBehavior(p.ipc, "puller", memory.New(nil), p.filter(), WithLogger(discard))
	require.NoError(t, b.connect(p.target))
	defer b.Stop(false)

	err := b.Handle(context.Background(), actor.UpdateRoutesMessage{Sender: "test", Routes: map[string]string{p.target: otherName}})
	require.NoError(t, err)

	b.route(hwpc(1))
	require.Eventually(t, func() bool { return len(other.Written()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, p.sink.Written())

	err = b.Handle(context.Background(), actor.StartMessage{})
	assert.ErrorIs(t, err, actor.ErrUnknownMessageType)
}
