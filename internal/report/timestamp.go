// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp converts the timestamp representations found in the
// databases into a UTC time. Integers and numeric strings are epoch
// milliseconds, other strings are ISO 8601 dates (UTC when no zone is given).
func ParseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case int:
		return time.UnixMilli(int64(ts)).UTC(), nil
	case int32:
		return time.UnixMilli(int64(ts)).UTC(), nil
	case int64:
		return time.UnixMilli(ts).UTC(), nil
	case float64:
		return time.UnixMilli(int64(ts)).UTC(), nil
	case json.Number:
		ms, err := ts.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case string:
		return parseTimestampString(ts)
	default:
		return time.Time{}, fmt.Errorf("invalid timestamp type %T", v)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Millis returns t as epoch milliseconds
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
