// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package mongodb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// document is the stored form of a report
type document struct {
	Timestamp bson.RawValue  `bson:"timestamp"`
	Sensor    string         `bson:"sensor"`
	Target    string         `bson:"target"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	Groups    report.Groups  `bson:"groups,omitempty"`
	Power     float64        `bson:"power,omitempty"`
}

func timestamp(v bson.RawValue) (time.Time, error) {
	switch v.Type {
	case bsontype.DateTime:
		return v.Time().UTC(), nil
	case bsontype.Int64:
		return report.ParseTimestamp(v.Int64())
	case bsontype.Int32:
		return report.ParseTimestamp(v.Int32())
	case bsontype.Double:
		return report.ParseTimestamp(v.Double())
	case bsontype.String:
		return report.ParseTimestamp(v.StringValue())
	default:
		return time.Time{}, fmt.Errorf("invalid timestamp type %s", v.Type)
	}
}

// plain converts the nested bson.M of metadata into map[string]any
func plain(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		if m, ok := v.(bson.M); ok {
			v = plain(m)
		}
		out[k] = v
	}
	return out
}

func decode(kind report.Kind, raw bson.Raw) (report.Report, error) {
	dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrBadInput, err)
	}
	dec.DefaultDocumentM()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrBadInput, err)
	}
	ts, err := timestamp(doc.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrBadInput, err)
	}
	h := report.Header{Timestamp: ts, Sensor: doc.Sensor, Target: doc.Target, Metadata: plain(doc.Metadata)}

	switch kind {
	case report.KindHWPC:
		return report.HWPCReport{Header: h, Groups: doc.Groups}, nil
	case report.KindPower:
		return report.PowerReport{Header: h, Power: doc.Power}, nil
	default:
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, kind)
	}
}

func encode(r report.Report) (bson.D, error) {
	h := r.Head()
	doc := bson.D{
		{Key: "timestamp", Value: h.Timestamp},
		{Key: "sensor", Value: h.Sensor},
		{Key: "target", Value: h.Target},
	}
	switch v := r.(type) {
	case report.PowerReport:
		doc = append(doc, bson.E{Key: "power", Value: v.Power})
	case report.FormulaReport:
	default:
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, r.Kind())
	}
	md := h.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return append(doc, bson.E{Key: "metadata", Value: md}), nil
}
