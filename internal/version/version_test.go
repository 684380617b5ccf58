// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func setVersion(t *testing.T, ver, time, branch, commit string) {
	t.Helper()
	orig := []string{version, buildTime, gitBranch, gitCommit}
	t.Cleanup(func() {
		version, buildTime, gitBranch, gitCommit = orig[0], orig[1], orig[2], orig[3]
	})
	version, buildTime, gitBranch, gitCommit = ver, time, branch, commit
}

func TestInfo(t *testing.T) {
	info := Info()

	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.GoOS)
	assert.Equal(t, runtime.GOARCH, info.GoArch)
}

func TestVersionValues(t *testing.T) {
	testCases := []struct {
		name   string
		ver    string
		time   string
		branch string
		commit string
	}{{
		name: "empty values",
	}, {
		name:   "typical values",
		ver:    "v1.2.3",
		time:   "2025-04-01T12:00:00Z",
		branch: "main",
		commit: "abcdef123456",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setVersion(t, tc.ver, tc.time, tc.branch, tc.commit)

			info := Info()
			assert.Equal(t, tc.ver, info.Version)
			assert.Equal(t, tc.time, info.BuildTime)
			assert.Equal(t, tc.branch, info.GitBranch)
			assert.Equal(t, tc.commit, info.GitCommit)
		})
	}
}

func TestString(t *testing.T) {
	setVersion(t, "", "", "", "")
	assert.Equal(t, "powerapi dev ("+runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH+")", Info().String())

	setVersion(t, "v2.0.0", "2025-04-01", "main", "abc")
	assert.Equal(t,
		"powerapi v2.0.0 ("+runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH+") commit abc on main, built 2025-04-01",
		Info().String())
}
