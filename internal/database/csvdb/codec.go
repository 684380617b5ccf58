// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package csvdb

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// commonRow holds the columns shared by every file
type commonRow struct {
	Timestamp int64  `csv:"timestamp"`
	Sensor    string `csv:"sensor"`
	Target    string `csv:"target"`
}

type hwpcRow struct {
	commonRow
	Socket string `csv:"socket"`
	CPU    string `csv:"cpu"`
}

type powerRow struct {
	commonRow
	Power float64 `csv:"power"`
}

type formulaRow struct {
	commonRow
}

func header(v any) []string {
	h, err := csvutil.Header(v, "csv")
	if err != nil {
		panic(fmt.Sprintf("invalid csv row type %T: %v", v, err))
	}
	return h
}

var (
	hwpcHeader    = header(hwpcRow{})
	powerHeader   = header(powerRow{})
	formulaHeader = header(formulaRow{})
)

// requiredColumns returns the columns a file of kind must declare
func requiredColumns(kind report.Kind) []string {
	switch kind {
	case report.KindHWPC:
		return hwpcHeader
	case report.KindPower:
		return powerHeader
	default:
		return formulaHeader
	}
}

// fileName returns the file holding the reports of kind; HWPC reports are
// split in one file per group
func fileName(kind report.Kind) string {
	switch kind {
	case report.KindPower:
		return "power.csv"
	case report.KindFormula:
		return "formula.csv"
	default:
		return ""
	}
}

// record is one line to write with its header
type record struct {
	file   string
	header []string
	values []string
}

func common(h report.Header) []string {
	return []string{strconv.FormatInt(report.Millis(h.Timestamp), 10), h.Sensor, h.Target}
}

// tagValues returns the flattened metadata value of every tag, empty when
// the report does not carry it
func tagValues(md map[string]any, tags []string) []string {
	flat := report.FlattenTags(md, "_")
	values := make([]string, len(tags))
	for i, tag := range tags {
		values[i] = report.TagString(flat[tag])
	}
	return values
}

func encode(r report.Report, tags []string) ([]record, error) {
	switch v := r.(type) {
	case report.PowerReport:
		return []record{{
			file:   fileName(report.KindPower),
			header: append(slices.Clone(powerHeader), tags...),
			values: append(append(common(v.Header), strconv.FormatFloat(v.Power, 'f', -1, 64)), tagValues(v.Metadata, tags)...),
		}}, nil
	case report.FormulaReport:
		return []record{{
			file:   fileName(report.KindFormula),
			header: append(slices.Clone(formulaHeader), tags...),
			values: append(common(v.Header), tagValues(v.Metadata, tags)...),
		}}, nil
	case report.HWPCReport:
		var records []record
		for _, group := range slices.Sorted(maps.Keys(v.Groups)) {
			for _, socket := range slices.Sorted(maps.Keys(v.Groups[group])) {
				for _, cpu := range slices.Sorted(maps.Keys(v.Groups[group][socket])) {
					events := v.Groups[group][socket][cpu]
					names := slices.Sorted(maps.Keys(events))
					values := append(common(v.Header), socket, cpu)
					for _, e := range names {
						values = append(values, strconv.FormatInt(events[e], 10))
					}
					records = append(records, record{
						file:   group + ".csv",
						header: append(slices.Clone(hwpcHeader), names...),
						values: values,
					})
				}
			}
		}
		return records, nil
	default:
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, r.Kind())
	}
}

// row is a decoded line: the common columns plus the unused ones by name
type row struct {
	commonRow
	socket string
	cpu    string
	power  float64
	extra  map[string]string
	order  []string
}

func (r row) header() report.Header {
	md := make(map[string]any, len(r.extra))
	for k, v := range r.extra {
		md[k] = v
	}
	return report.Header{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Sensor:    r.Sensor,
		Target:    r.Target,
		Metadata:  md,
	}
}

func decodeRow(kind report.Kind, dec *csvutil.Decoder) (row, error) {
	var out row
	switch kind {
	case report.KindHWPC:
		var v hwpcRow
		if err := dec.Decode(&v); err != nil {
			return out, err
		}
		out.commonRow, out.socket, out.cpu = v.commonRow, v.Socket, v.CPU
	case report.KindPower:
		var v powerRow
		if err := dec.Decode(&v); err != nil {
			return out, err
		}
		out.commonRow, out.power = v.commonRow, v.Power
	case report.KindFormula:
		var v formulaRow
		if err := dec.Decode(&v); err != nil {
			return out, err
		}
		out.commonRow = v.commonRow
	default:
		return out, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, kind)
	}

	hdr, record := dec.Header(), dec.Record()
	out.extra = map[string]string{}
	for _, i := range dec.Unused() {
		out.extra[hdr[i]] = record[i]
		out.order = append(out.order, hdr[i])
	}
	return out, nil
}

// merge adds the events of an HWPC row of group into r
func mergeHWPC(r *report.HWPCReport, group string, rw row) error {
	if r.Groups == nil {
		r.Groups = report.Groups{}
	}
	if r.Groups[group] == nil {
		r.Groups[group] = map[string]map[string]map[string]int64{}
	}
	if r.Groups[group][rw.socket] == nil {
		r.Groups[group][rw.socket] = map[string]map[string]int64{}
	}
	events := make(map[string]int64, len(rw.extra))
	for _, name := range rw.order {
		v, err := strconv.ParseInt(rw.extra[name], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: event %s: %w", database.ErrBadInput, name, err)
		}
		events[name] = v
	}
	r.Groups[group][rw.socket][rw.cpu] = events
	return nil
}
