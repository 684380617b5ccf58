// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Kind identifies the concrete type of a Report
type Kind int

const (
	KindHWPC Kind = iota + 1
	KindPower
	KindFormula
	KindProcfs
	KindControl
)

var kindNames = map[Kind]string{
	KindHWPC:    "HWPCReport",
	KindPower:   "PowerReport",
	KindFormula: "FormulaReport",
	KindProcfs:  "ProcfsReport",
	KindControl: "ControlReport",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind whose model name is name (e.g. "HWPCReport")
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown report model %q", name)
}

// Kinds returns every known report kind in declaration order
func Kinds() []Kind {
	return []Kind{KindHWPC, KindPower, KindFormula, KindProcfs, KindControl}
}

// Report is a timestamped measurement flowing through the pipeline.
// Implementations are value types and must not be mutated once built.
type Report interface {
	Kind() Kind
	Head() Header
}

// Header holds the fields shared by every report
type Header struct {
	Timestamp time.Time      `json:"timestamp"`
	Sensor    string         `json:"sensor"`
	Target    string         `json:"target"`
	Metadata  map[string]any `json:"metadata"`
}

func (h Header) Head() Header { return h }

// Groups of an HWPC report: group -> socket -> cpu -> event -> value
type Groups map[string]map[string]map[string]map[string]int64

// HWPCReport carries raw hardware performance counters
type HWPCReport struct {
	Header
	Groups Groups `json:"groups"`
}

func (HWPCReport) Kind() Kind { return KindHWPC }

// PowerReport carries a power estimation in watts
type PowerReport struct {
	Header
	Power float64 `json:"power"`
}

func (PowerReport) Kind() Kind { return KindPower }

// FormulaReport carries formula internal state in its metadata
type FormulaReport struct {
	Header
}

func (FormulaReport) Kind() Kind { return KindFormula }

// ProcfsReport carries cpu usage measured from procfs
type ProcfsReport struct {
	Header
	Usage          map[string]float64 `json:"usage"`
	GlobalCPUUsage float64            `json:"global_cpu_usage"`
}

func (ProcfsReport) Kind() Kind { return KindProcfs }

// ControlReport asks a downstream actor to perform an action
type ControlReport struct {
	Header
	Action     string `json:"action"`
	Parameters []any  `json:"parameters"`
}

func (ControlReport) Kind() Kind { return KindControl }

// WithMetadata returns a copy of r whose metadata is extended with extra.
// Existing keys are overwritten.
func WithMetadata(r Report, extra map[string]any) Report {
	md := make(map[string]any, len(r.Head().Metadata)+len(extra))
	maps.Copy(md, r.Head().Metadata)
	maps.Copy(md, extra)

	switch v := r.(type) {
	case HWPCReport:
		v.Metadata = md
		return v
	case PowerReport:
		v.Metadata = md
		return v
	case FormulaReport:
		v.Metadata = md
		return v
	case ProcfsReport:
		v.Metadata = md
		return v
	case ControlReport:
		v.Metadata = md
		return v
	default:
		return r
	}
}

// Sockets returns the sorted socket ids of a group, or nil when the group is
// absent or empty
func (r HWPCReport) Sockets(group string) []string {
	return slices.Sorted(maps.Keys(r.Groups[group]))
}
