// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(r))

	r.Received("pusher")
	r.Received("pusher")
	r.Sent("dispatcher", 3)
	r.Flushed("pusher", nil)
	r.Flushed("pusher", errors.New("down"))
	r.Dropped("pusher", "overflow", 2)
	r.Dropped("pusher", "overflow", 0)
	r.SetActiveFormulas("dispatcher", 2)
	r.ActorLaunched("formula")
	r.ActorLaunched("formula")
	r.ActorStopped("formula")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.received.WithLabelValues("pusher")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.sent.WithLabelValues("dispatcher")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("pusher", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("pusher", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.dropped.WithLabelValues("pusher", "overflow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.activeFormulas.WithLabelValues("dispatcher")))

	expected := `
# HELP powerapi_supervisor_actors Actors launched by the supervisor by kind
# TYPE powerapi_supervisor_actors gauge
powerapi_supervisor_actors{kind="formula"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "powerapi_supervisor_actors"))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Received("a")
		r.Sent("a", 1)
		r.Flushed("a", nil)
		r.Dropped("a", "b", 1)
		r.SetActiveFormulas("a", 1)
		r.ActorLaunched("a")
		r.ActorStopped("a")
	})
}
