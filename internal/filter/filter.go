// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter decides which actors receive a report read by a puller.
package filter

import (
	"errors"
	"slices"

	"github.com/powerapi-ng/powerapi/internal/report"
)

// ErrFilterUseless is returned when routing with a filter that has no rule
var ErrFilterUseless = errors.New("filter has no rule")

// Predicate accepts or rejects a report
type Predicate func(report.Report) bool

type rule struct {
	accept Predicate
	target string
}

// Filter is an ordered list of (predicate, target) rules
type Filter struct {
	rules []rule
}

func New() *Filter {
	return &Filter{}
}

// Register appends a rule sending the reports accepted by p to target
func (f *Filter) Register(p Predicate, target string) {
	f.rules = append(f.rules, rule{accept: p, target: target})
}

// Route returns, in registration order, the target of every rule accepting r.
// The same target may appear several times if several of its rules match.
func (f *Filter) Route(r report.Report) ([]string, error) {
	if len(f.rules) == 0 {
		return nil, ErrFilterUseless
	}

	var targets []string
	for _, rl := range f.rules {
		if rl.accept(r) {
			targets = append(targets, rl.target)
		}
	}
	return targets, nil
}

// Targets returns the distinct targets of the filter in registration order
func (f *Filter) Targets() []string {
	var targets []string
	for _, rl := range f.rules {
		if !slices.Contains(targets, rl.target) {
			targets = append(targets, rl.target)
		}
	}
	return targets
}

func (f *Filter) Len() int {
	return len(f.rules)
}

// Retarget moves every rule aiming at old towards target and returns the
// number of rules changed.
func (f *Filter) Retarget(old, target string) int {
	n := 0
	for i := range f.rules {
		if f.rules[i].target == old {
			f.rules[i].target = target
			n++
		}
	}
	return n
}

// ByKind accepts reports of the given kinds
func ByKind(kinds ...report.Kind) Predicate {
	return func(r report.Report) bool {
		return slices.Contains(kinds, r.Kind())
	}
}

// BySensor accepts reports produced by one of the given sensors
func BySensor(sensors ...string) Predicate {
	return func(r report.Report) bool {
		return slices.Contains(sensors, r.Head().Sensor)
	}
}

// All accepts every report
func All() Predicate {
	return func(report.Report) bool { return true }
}
