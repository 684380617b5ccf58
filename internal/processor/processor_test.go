// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/database/memory"
	"github.com/powerapi-ng/powerapi/internal/pusher"
	"github.com/powerapi-ng/powerapi/internal/report"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func powerReport(sensor string) report.Report {
	return report.PowerReport{
		Header: report.Header{Sensor: sensor, Target: "all", Metadata: map[string]any{"socket": "0"}},
		Power:  10,
	}
}

func TestTags(t *testing.T) {
	tags, err := NewTags([]string{"cluster=paris", " rack = 12 "})
	require.NoError(t, err)

	out, err := tags.Enrich(powerReport("s"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"socket": "0", "cluster": "paris", "rack": "12"}, out.Head().Metadata)

	_, err = NewTags([]string{"novalue"})
	assert.Error(t, err)
	_, err = NewTags([]string{"=x"})
	assert.Error(t, err)
}

func TestSensorFilter(t *testing.T) {
	f := NewSensorFilter([]string{"keep"})

	out, err := f.Enrich(powerReport("keep"))
	require.NoError(t, err)
	assert.NotNil(t, out)

	out, err = f.Enrich(powerReport("drop"))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(Enrichers()...)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor-filter", "tags"}, r.Types())

	assert.ErrorIs(t, r.Register(Factory{Type: "tags"}), ErrNameAlreadyUsed)
	_, err = r.Lookup("k8s")
	assert.ErrorIs(t, err, ErrUnknownProcessor)

	f, err := r.Lookup("tags")
	require.NoError(t, err)
	values, err := config.Component{Type: "tags", Args: map[string]any{"tags": "a=1,b=2"}}.Resolve(f.Args)
	require.NoError(t, err)
	e, err := f.New(values)
	require.NoError(t, err)
	out, err := e.Enrich(powerReport("s"))
	require.NoError(t, err)
	assert.Equal(t, "1", out.Head().Metadata["a"])

	_, err = config.Component{Type: "tags"}.Resolve(f.Args)
	assert.ErrorIs(t, err, config.ErrMissingArgument)
}

func TestProcessorActor(t *testing.T) {
	ipc := actor.NewContext(actor.WithLogger(discard))
	sup := supervisor.New(ipc, supervisor.WithLogger(discard))
	t.Cleanup(func() { _ = sup.Shutdown() })

	launchPusher := func() (string, *memory.DB) {
		db := memory.New(nil)
		name := "pusher-" + uuid.NewString()[:8]
		require.NoError(t, sup.Launch(pusher.New(ipc, name, db, pusher.WithLogger(discard), pusher.WithMaxBufferSize(1)), true))
		return name, db
	}
	first, firstDB := launchPusher()
	second, secondDB := launchPusher()

	tags, err := NewTags([]string{"zone=a"})
	require.NoError(t, err)
	name := "post-" + uuid.NewString()[:8]
	a := NewPostProcessor(ipc, name, tags, first, WithLogger(discard))
	assert.Equal(t, actor.KindPostProcessor, a.Kind())
	require.NoError(t, sup.Launch(a, true))

	proxy := actor.NewProxy(ipc, name, "test")
	require.NoError(t, proxy.ConnectControl())
	require.NoError(t, proxy.ConnectData())
	defer proxy.Close()

	require.NoError(t, proxy.SendReport(powerReport("s")))
	require.Eventually(t, func() bool { return len(firstDB.Written()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a", firstDB.Written()[0].Head().Metadata["zone"])

	// rewiring a processor that is not running yet
	b := NewPostProcessor(ipc, "post-"+uuid.NewString()[:8], tags, first, WithLogger(discard)).Behavior().(*Processor)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(false)

	err = b.Handle(context.Background(), actor.UpdateRoutesMessage{Sender: "test", Routes: map[string]string{first: second, "unknown": second}})
	require.NoError(t, err)
	assert.Equal(t, []string{second}, b.Targets())

	require.NoError(t, b.Handle(context.Background(), actor.ReportMessage{Report: powerReport("s")}))
	require.Eventually(t, func() bool { return len(secondDB.Written()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, firstDB.Written(), 1)
}

func TestPreProcessorKind(t *testing.T) {
	a := NewPreProcessor(actor.NewContext(), "pre", NewSensorFilter(nil), []string{"dispatcher"})
	assert.Equal(t, actor.KindPreProcessor, a.Kind())
	assert.Equal(t, []string{"dispatcher"}, a.Behavior().(*Processor).Targets())

	err := a.Behavior().Handle(context.Background(), actor.OKMessage{})
	assert.ErrorIs(t, err, actor.ErrUnknownMessageType)
}
