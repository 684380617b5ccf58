// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerapi-ng/powerapi/internal/service"
)

// Metrics serves the self metrics of the process on /metrics
type Metrics struct {
	logger   *slog.Logger
	api      APIService
	registry *prometheus.Registry
}

var _ service.Initializer = (*Metrics)(nil)

// NewMetrics creates the endpoint; the go runtime and process collectors
// are added to the given collectors
func NewMetrics(api APIService, logger *slog.Logger, cs ...prometheus.Collector) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(cs...)

	return &Metrics{
		logger:   logger.With("service", "metrics"),
		api:      api,
		registry: registry,
	}
}

func (m *Metrics) Name() string {
	return "metrics"
}

func (m *Metrics) Init() error {
	return m.api.Register("/metrics", "Metrics", "Pipeline self metrics",
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
			ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelError),
			EnableOpenMetrics: true,
		}),
	)
}
