// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the build information injected with -ldflags -X
package version

import (
	"fmt"
	"runtime"
)

var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// String is the output of --version
func (v VersionInfo) String() string {
	ver := v.Version
	if ver == "" {
		ver = "dev"
	}
	s := fmt.Sprintf("powerapi %s (%s %s/%s)", ver, v.GoVersion, v.GoOS, v.GoArch)
	if v.GitCommit != "" {
		s += fmt.Sprintf(" commit %s on %s", v.GitCommit, v.GitBranch)
	}
	if v.BuildTime != "" {
		s += ", built " + v.BuildTime
	}
	return s
}
