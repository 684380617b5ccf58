// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/powerapi-ng/powerapi/internal/version"
)

// BuildInfo exposes the version of the running binary as a constant gauge
type BuildInfo struct {
	desc *prometheus.Desc
	info version.VersionInfo
}

func NewBuildInfo() *BuildInfo {
	return &BuildInfo{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			[]string{"arch", "branch", "revision", "version", "goversion"},
			nil,
		),
		info: version.Info(),
	}
}

func (b *BuildInfo) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.desc
}

func (b *BuildInfo) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(b.desc, prometheus.GaugeValue, 1,
		b.info.GoArch,
		b.info.GitBranch,
		b.info.GitCommit,
		b.info.Version,
		b.info.GoVersion,
	)
}
