// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind   string          `json:"kind"`
	Report json.RawMessage `json:"report"`
}

// Marshal encodes r with its kind so that Unmarshal can rebuild the
// concrete type.
func Marshal(r Report) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r.Kind(), err)
	}
	return json.Marshal(envelope{Kind: r.Kind().String(), Report: body})
}

// Unmarshal decodes data produced by Marshal
func Unmarshal(data []byte) (Report, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode report envelope: %w", err)
	}
	kind, err := ParseKind(env.Kind)
	if err != nil {
		return nil, err
	}
	return Decode(kind, env.Report)
}

// Decode decodes the JSON body of a report of the given kind
func Decode(kind Kind, body []byte) (Report, error) {
	var (
		r   Report
		err error
	)
	switch kind {
	case KindHWPC:
		var v HWPCReport
		err = json.Unmarshal(body, &v)
		r = v
	case KindPower:
		var v PowerReport
		err = json.Unmarshal(body, &v)
		r = v
	case KindFormula:
		var v FormulaReport
		err = json.Unmarshal(body, &v)
		r = v
	case KindProcfs:
		var v ProcfsReport
		err = json.Unmarshal(body, &v)
		r = v
	case KindControl:
		var v ControlReport
		err = json.Unmarshal(body, &v)
		r = v
	default:
		return nil, fmt.Errorf("unknown report kind %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return r, nil
}

// DecodeDocument decodes a report of the given kind as sent by sensors,
// whose timestamp is either epoch milliseconds or an ISO 8601 string.
// A missing metadata object decodes as an empty one. Sensor and target are
// required.
func DecodeDocument(kind Kind, body []byte) (Report, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	raw, ok := doc["timestamp"]
	if !ok {
		return nil, fmt.Errorf("failed to decode %s: missing timestamp", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode %s timestamp: %w", kind, err)
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	doc["timestamp"], _ = json.Marshal(ts)
	if md, ok := doc["metadata"]; !ok || string(md) == "null" {
		doc["metadata"] = json.RawMessage("{}")
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	r, err := Decode(kind, normalized)
	if err != nil {
		return nil, err
	}
	if err := checkIdentity(kind, r.Head()); err != nil {
		return nil, err
	}
	return r, nil
}

func checkIdentity(kind Kind, h Header) error {
	switch {
	case h.Sensor == "":
		return fmt.Errorf("failed to decode %s: missing sensor", kind)
	case h.Target == "":
		return fmt.Errorf("failed to decode %s: missing target", kind)
	}
	return nil
}
