// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes counters about the pipeline itself: reports
// flowing through actors, pusher flushes and live formulas.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "powerapi"

// Recorder holds the self metrics of a pipeline. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	activeFormulas *prometheus.GaugeVec
	actors         *prometheus.GaugeVec
}

// NewRecorder creates the pipeline metrics without registering them
func NewRecorder() *Recorder {
	return &Recorder{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "reports_received_total",
			Help:      "Reports received by an actor",
		}, []string{"actor"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "reports_sent_total",
			Help:      "Reports sent by an actor to its targets",
		}, []string{"actor"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pusher",
			Name:      "flushes_total",
			Help:      "Buffer flushes of a pusher by result",
		}, []string{"actor", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "reports_dropped_total",
			Help:      "Reports dropped by an actor",
		}, []string{"actor", "reason"}),
		activeFormulas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active_formulas",
			Help:      "Formula actors owned by a dispatcher",
		}, []string{"actor"}),
		actors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "actors",
			Help:      "Actors launched by the supervisor by kind",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range r.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	for _, c := range r.collectors() {
		c.Collect(ch)
	}
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{r.received, r.sent, r.flushes, r.dropped, r.activeFormulas, r.actors}
}

func (r *Recorder) Received(actor string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(actor).Inc()
}

func (r *Recorder) Sent(actor string, n int) {
	if r == nil {
		return
	}
	r.sent.WithLabelValues(actor).Add(float64(n))
}

// Flushed records a flush attempt of a pusher
func (r *Recorder) Flushed(actor string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.flushes.WithLabelValues(actor, result).Inc()
}

func (r *Recorder) Dropped(actor, reason string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.dropped.WithLabelValues(actor, reason).Add(float64(n))
}

func (r *Recorder) SetActiveFormulas(actor string, n int) {
	if r == nil {
		return
	}
	r.activeFormulas.WithLabelValues(actor).Set(float64(n))
}

func (r *Recorder) ActorLaunched(kind string) {
	if r == nil {
		return
	}
	r.actors.WithLabelValues(kind).Inc()
}

func (r *Recorder) ActorStopped(kind string) {
	if r == nil {
		return
	}
	r.actors.WithLabelValues(kind).Dec()
}
