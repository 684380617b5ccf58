// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package formula

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/report"
)

var (
	// ErrUnsupportedInput is returned for reports an estimator can't use
	ErrUnsupportedInput = errors.New("unsupported input report")
	// ErrUnknownEstimator is returned for estimator names never registered
	ErrUnknownEstimator = errors.New("unknown formula")
)

// Key identifies the reports handled by one formula, e.g. sensor and socket
type Key map[string]string

// String renders the key values ordered by field name
func (k Key) String() string {
	parts := make([]string, 0, len(k))
	for _, f := range slices.Sorted(maps.Keys(k)) {
		parts = append(parts, f+"="+k[f])
	}
	return strings.Join(parts, ",")
}

// Estimator computes power reports out of an input report. A new estimator
// is built for every formula so implementations may keep state.
type Estimator interface {
	Estimate(key Key, r report.Report) ([]report.Report, error)
}

// EstimatorFactory builds estimators from the formula arguments
type EstimatorFactory struct {
	Name string
	Args []config.Arg
	New  func(v config.Values) Estimator
}

const raplUnit = -32

// Estimators returns the built in estimators
func Estimators() []EstimatorFactory {
	return []EstimatorFactory{
		{
			Name: "rapl",
			Args: []config.Arg{
				{Name: "rapl-event", Type: config.ArgString, Default: "RAPL_ENERGY_PKG", Help: "RAPL event used as energy counter"},
				{Name: "sampling-interval", Type: config.ArgDuration, Default: time.Second, Help: "Elapsed time assumed for the first report of a target"},
			},
			New: func(v config.Values) Estimator {
				return NewRAPL(v.String("rapl-event"), v.Duration("sampling-interval"))
			},
		},
		{
			Name: "dummy",
			Args: []config.Arg{
				{Name: "power", Type: config.ArgFloat, Default: 42.0, Help: "Constant power estimation"},
			},
			New: func(v config.Values) Estimator {
				return Dummy{Power: v.Float("power")}
			},
		},
	}
}

// LookupEstimator returns the built in estimator called name
func LookupEstimator(name string) (EstimatorFactory, error) {
	for _, f := range Estimators() {
		if f.Name == name {
			return f, nil
		}
	}
	return EstimatorFactory{}, fmt.Errorf("%w: %q", ErrUnknownEstimator, name)
}

// RAPL turns the RAPL energy counter of an HWPC report into watts
type RAPL struct {
	event    string
	interval time.Duration
	previous map[string]time.Time
}

func NewRAPL(event string, interval time.Duration) *RAPL {
	if interval <= 0 {
		interval = time.Second
	}
	return &RAPL{event: event, interval: interval, previous: map[string]time.Time{}}
}

func (e *RAPL) Estimate(key Key, r report.Report) ([]report.Report, error) {
	hwpc, ok := r.(report.HWPCReport)
	if !ok {
		return nil, fmt.Errorf("%w: rapl needs %s, got %s", ErrUnsupportedInput, report.KindHWPC, r.Kind())
	}
	sockets, ok := hwpc.Groups["rapl"]
	if !ok {
		return nil, fmt.Errorf("%w: no rapl group", ErrUnsupportedInput)
	}

	var ticks int64
	found := false
	for socket, cpus := range sockets {
		if want, scoped := key["socket"]; scoped && want != socket {
			continue
		}
		for _, events := range cpus {
			if v, ok := events[e.event]; ok {
				ticks += v
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no %s counter for %s", ErrUnsupportedInput, e.event, key)
	}

	elapsed := e.interval
	if prev, seen := e.previous[hwpc.Target]; seen && hwpc.Timestamp.After(prev) {
		elapsed = hwpc.Timestamp.Sub(prev)
	}
	e.previous[hwpc.Target] = hwpc.Timestamp

	joules := math.Ldexp(float64(ticks), raplUnit)
	return []report.Report{report.PowerReport{
		Header: report.Header{
			Timestamp: hwpc.Timestamp,
			Sensor:    hwpc.Sensor,
			Target:    hwpc.Target,
			Metadata:  map[string]any{"scope": "cpu"},
		},
		Power: joules / elapsed.Seconds(),
	}}, nil
}

// Dummy estimates a constant power for every report
type Dummy struct {
	Power float64
}

func (d Dummy) Estimate(key Key, r report.Report) ([]report.Report, error) {
	h := r.Head()
	return []report.Report{report.PowerReport{
		Header: report.Header{
			Timestamp: h.Timestamp,
			Sensor:    h.Sensor,
			Target:    h.Target,
			Metadata:  map[string]any{},
		},
		Power: d.Power,
	}}, nil
}
