// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/powerapi-ng/powerapi/internal/report"
)

// ErrMissingField is returned when a report lacks the field a rule groups by
var ErrMissingField = errors.New("report field missing")

// Depth is how finely a rule groups reports
type Depth int

const (
	DepthTarget Depth = -1
	DepthRoot   Depth = 0
	DepthSocket Depth = 1
	DepthCore   Depth = 2
)

var depthNames = map[Depth]string{
	DepthTarget: "target",
	DepthRoot:   "root",
	DepthSocket: "socket",
	DepthCore:   "core",
}

func (d Depth) String() string {
	if n, ok := depthNames[d]; ok {
		return n
	}
	return fmt.Sprintf("Depth(%d)", int(d))
}

// ParseDepth parses target, root (or sensor), socket and core
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "target":
		return DepthTarget, nil
	case "root", "sensor":
		return DepthRoot, nil
	case "socket":
		return DepthSocket, nil
	case "core":
		return DepthCore, nil
	}
	return 0, fmt.Errorf("unknown dispatch depth %q", s)
}

// fields returns the report fields a formula id is made of at depth d
func (d Depth) fields() []string {
	if d == DepthTarget {
		return []string{"target"}
	}
	all := []string{"sensor", "socket", "core"}
	n := max(0, min(int(d)+1, len(all)))
	return all[:n]
}

// FormulaID is the ordered values of the fields of a rule
type FormulaID []string

func (id FormulaID) String() string {
	return strings.Join(id, "/")
}

// Rule derives the formula ids a report has to be sent to
type Rule interface {
	Primary() bool
	// Fields names the values of the ids returned by FormulaIDs
	Fields() []string
	FormulaIDs(r report.Report) ([]FormulaID, error)
}

// HWPCRule groups hardware counter reports
type HWPCRule struct {
	Depth     Depth
	IsPrimary bool
}

func (r HWPCRule) Primary() bool    { return r.IsPrimary }
func (r HWPCRule) Fields() []string { return r.Depth.fields() }

func (r HWPCRule) FormulaIDs(rep report.Report) ([]FormulaID, error) {
	hwpc, ok := rep.(report.HWPCReport)
	if !ok {
		return nil, fmt.Errorf("hwpc rule can't dispatch %s", rep.Kind())
	}

	switch r.Depth {
	case DepthTarget:
		return []FormulaID{{hwpc.Target}}, nil
	case DepthRoot:
		return []FormulaID{{hwpc.Sensor}}, nil
	}

	group := nonSharedGroup(hwpc)
	var ids []FormulaID
	for _, socket := range sortedKeys(group) {
		if r.Depth == DepthSocket {
			ids = append(ids, FormulaID{hwpc.Sensor, socket})
			continue
		}
		for _, core := range sortedKeys(group[socket]) {
			ids = append(ids, FormulaID{hwpc.Sensor, socket, core})
		}
	}
	return ids, nil
}

// nonSharedGroup returns the group with the most cores on its first socket.
// Shared groups such as rapl only report one core per socket.
func nonSharedGroup(hwpc report.HWPCReport) map[string]map[string]map[string]int64 {
	var biggest map[string]map[string]map[string]int64
	most := -1
	for _, name := range sortedKeys(hwpc.Groups) {
		group := hwpc.Groups[name]
		sockets := hwpc.Sockets(name)
		if len(sockets) == 0 {
			continue
		}
		if cores := len(group[sockets[0]]); cores > most {
			most = cores
			biggest = group
		}
	}
	return biggest
}

// PowerRule groups power reports using the socket and core metadata
type PowerRule struct {
	Depth     Depth
	IsPrimary bool
}

func (r PowerRule) Primary() bool    { return r.IsPrimary }
func (r PowerRule) Fields() []string { return r.Depth.fields() }

func (r PowerRule) FormulaIDs(rep report.Report) ([]FormulaID, error) {
	h := rep.Head()
	if r.Depth == DepthTarget {
		return []FormulaID{{h.Target}}, nil
	}

	id := FormulaID{h.Sensor}
	for _, field := range r.Depth.fields()[1:] {
		v, ok := h.Metadata[field]
		if !ok {
			return nil, fmt.Errorf("%w: metadata %q", ErrMissingField, field)
		}
		id = append(id, report.TagString(v))
	}
	return []FormulaID{id}, nil
}

// ProcfsRule groups procfs reports by target or sensor
type ProcfsRule struct {
	Depth     Depth
	IsPrimary bool
}

func (r ProcfsRule) Primary() bool { return r.IsPrimary }

func (r ProcfsRule) Fields() []string {
	if r.Depth == DepthTarget {
		return []string{"target"}
	}
	return []string{"sensor"}
}

func (r ProcfsRule) FormulaIDs(rep report.Report) ([]FormulaID, error) {
	h := rep.Head()
	if r.Depth == DepthTarget {
		return []FormulaID{{h.Target}}, nil
	}
	return []FormulaID{{h.Sensor}}, nil
}
