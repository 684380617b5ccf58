// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTags(t *testing.T) {
	got := SanitizeTags([]string{"app.kubernetes.io/name", "pod-name", "pod.name", "socket"})

	assert.Equal(t, "app_kubernetes_io_name", got["app.kubernetes.io/name"])
	assert.Equal(t, "socket", got["socket"])
	assert.Equal(t, fmt.Sprintf("pod_name_%x", crc32.ChecksumIEEE([]byte("pod-name"))), got["pod-name"])
	assert.Equal(t, fmt.Sprintf("pod_name_%x", crc32.ChecksumIEEE([]byte("pod.name"))), got["pod.name"])
	assert.NotEqual(t, got["pod-name"], got["pod.name"])
}

func TestFlattenTags(t *testing.T) {
	tags := map[string]any{
		"socket": 0,
		"k8s": map[string]any{
			"pod":       "web",
			"namespace": "default",
		},
	}

	assert.Equal(t, map[string]any{
		"socket":        0,
		"k8s_pod":       "web",
		"k8s_namespace": "default",
	}, FlattenTags(tags, "_"))
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "", TagString(nil))
	assert.Equal(t, "web", TagString("web"))
	assert.Equal(t, "3", TagString(3))
	assert.Equal(t, "1.5", TagString(1.5))
}
