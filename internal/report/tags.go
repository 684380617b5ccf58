// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"hash/crc32"
	"strings"
)

var tagReplacer = strings.NewReplacer(".", "_", "-", "_", "/", "_")

// SanitizeTagKey makes a tag name acceptable for InfluxDB and Prometheus
func SanitizeTagKey(key string) string {
	return tagReplacer.Replace(key)
}

// SanitizeTags maps each tag name to its sanitized version. Names that
// collide once sanitized get the crc32 of their original name appended so
// they stay stable across runs.
func SanitizeTags(keys []string) map[string]string {
	sanitized := make(map[string]string, len(keys))
	count := map[string]int{}
	for _, k := range keys {
		s := SanitizeTagKey(k)
		sanitized[k] = s
		count[s]++
	}
	for k, s := range sanitized {
		if count[s] > 1 {
			sanitized[k] = fmt.Sprintf("%s_%x", s, crc32.ChecksumIEEE([]byte(k)))
		}
	}
	return sanitized
}

// FlattenTags lifts one level of nested maps into the top level, joining
// parent and child names with sep.
func FlattenTags(tags map[string]any, sep string) map[string]any {
	flat := make(map[string]any, len(tags))
	for pkey, pvalue := range tags {
		nested, ok := pvalue.(map[string]any)
		if !ok {
			flat[pkey] = pvalue
			continue
		}
		for ckey, cvalue := range nested {
			flat[pkey+sep+ckey] = cvalue
		}
	}
	return flat
}

// TagString renders a tag value the way it is stored in text backends
func TagString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}
