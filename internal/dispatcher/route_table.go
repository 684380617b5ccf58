// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"errors"
	"maps"
	"slices"

	"github.com/powerapi-ng/powerapi/internal/report"
)

// ErrPrimaryDispatchRuleAlreadyDefined is returned when adding a second primary rule
var ErrPrimaryDispatchRuleAlreadyDefined = errors.New("primary dispatch rule already defined")

type route struct {
	kind report.Kind
	rule Rule
}

// RouteTable maps report kinds to dispatch rules. At most one rule is
// primary; its fields define the formula ids.
type RouteTable struct {
	routes  []route
	primary Rule
}

func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Add appends a rule for kind
func (t *RouteTable) Add(kind report.Kind, rule Rule) error {
	if rule.Primary() {
		if t.primary != nil {
			return ErrPrimaryDispatchRuleAlreadyDefined
		}
		t.primary = rule
	}
	t.routes = append(t.routes, route{kind: kind, rule: rule})
	return nil
}

// Rule returns the first rule registered for the kind of r, nil if none
func (t *RouteTable) Rule(r report.Report) Rule {
	for _, rt := range t.routes {
		if rt.kind == r.Kind() {
			return rt.rule
		}
	}
	return nil
}

// Primary returns the primary rule, nil if none was added
func (t *RouteTable) Primary() Rule {
	return t.primary
}

func (t *RouteTable) Len() int {
	return len(t.routes)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	return slices.Sorted(maps.Keys(m))
}
