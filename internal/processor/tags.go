// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"fmt"
	"strings"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// Tags adds static metadata to every report
type Tags struct {
	tags map[string]any
}

// NewTags parses "key=value" pairs
func NewTags(pairs []string) (*Tags, error) {
	tags := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[k] = strings.TrimSpace(v)
	}
	return &Tags{tags: tags}, nil
}

func (t *Tags) Enrich(r report.Report) (report.Report, error) {
	return report.WithMetadata(r, t.tags), nil
}

// SensorFilter drops the reports of sensors not listed
type SensorFilter struct {
	sensors map[string]bool
}

func NewSensorFilter(sensors []string) *SensorFilter {
	f := &SensorFilter{sensors: map[string]bool{}}
	for _, s := range sensors {
		f.sensors[s] = true
	}
	return f
}

func (f *SensorFilter) Enrich(r report.Report) (report.Report, error) {
	if !f.sensors[r.Head().Sensor] {
		return nil, nil
	}
	return r, nil
}

// Enrichers returns the built in processor types
func Enrichers() []Factory {
	return []Factory{
		{
			Type: "tags",
			Args: []config.Arg{
				{Name: "tags", Type: config.ArgStrings, Required: true, Help: "Metadata to add, as key=value pairs"},
			},
			New: func(v config.Values) (Enricher, error) {
				return NewTags(v.Strings("tags"))
			},
		},
		{
			Type: "sensor-filter",
			Args: []config.Arg{
				{Name: "sensors", Type: config.ArgStrings, Required: true, Help: "Sensors whose reports are kept"},
			},
			New: func(v config.Values) (Enricher, error) {
				return NewSensorFilter(v.Strings("sensors")), nil
			},
		},
	}
}
