// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package promdb

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/powerapi-ng/powerapi/internal/report"
)

const unknownLabel = "unknown"

type sample struct {
	labels    []string
	timestamp time.Time
	value     float64
}

// PowerCollector exports the last power estimation of every label set.
// Samples older than the ttl are not exported anymore.
type PowerCollector struct {
	clock clock.PassiveClock
	ttl   time.Duration
	// tags are the flattened metadata names, in label order
	tags []string
	desc *prometheus.Desc

	mu      sync.Mutex
	samples map[string]sample
}

var _ prometheus.Collector = (*PowerCollector)(nil)

// NewPowerCollector creates a collector labelled by sensor, target and tags
func NewPowerCollector(tags []string, ttl time.Duration, clk clock.PassiveClock) *PowerCollector {
	seen := map[string]bool{"sensor": true, "target": true}
	var unique []string
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	sanitized := report.SanitizeTags(unique)
	labels := []string{"sensor", "target"}
	for _, t := range unique {
		labels = append(labels, sanitized[t])
	}

	return &PowerCollector{
		clock: clk,
		ttl:   ttl,
		tags:  unique,
		desc: prometheus.NewDesc(
			"power_estimation_watts",
			"Estimated power consumption for a target",
			labels, nil),
		samples: map[string]sample{},
	}
}

func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Submit keeps r as the latest sample of its label set
func (c *PowerCollector) Submit(r report.PowerReport) {
	flat := report.FlattenTags(r.Metadata, "_")
	labels := []string{r.Sensor, r.Target}
	for _, t := range c.tags {
		v, ok := flat[t]
		if !ok {
			labels = append(labels, unknownLabel)
			continue
		}
		labels = append(labels, report.TagString(v))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[strings.Join(labels, "\xff")] = sample{labels: labels, timestamp: r.Timestamp, value: r.Power}
}

func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.samples {
		if now.Sub(s.timestamp) >= c.ttl {
			delete(c.samples, key)
			continue
		}
		ch <- prometheus.NewMetricWithTimestamp(s.timestamp,
			prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, s.value, s.labels...))
	}
}
