// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/logger"
	"github.com/powerapi-ng/powerapi/internal/server"
	"github.com/powerapi-ng/powerapi/internal/service"
)

const fileConfig = `
log:
  level: warn
input:
  sock:
    type: socket
    port: 9000
output:
  out:
    type: stdout
puller:
  interval: 3s
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "powerapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileConfig), 0o600))
	return path
}

func TestParseArgsAndConfigPrecedence(t *testing.T) {
	path := writeConfig(t)

	t.Run("file", func(t *testing.T) {
		cfg, err := parseArgsAndConfig([]string{"--config-file", path}, nil)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, 3*time.Second, cfg.Puller.Interval)
		assert.Equal(t, 9000, cfg.Input["sock"].Args["port"])
		assert.Equal(t, 50, cfg.Pusher.MaxBufferSize)
	})

	t.Run("environment over file", func(t *testing.T) {
		cfg, err := parseArgsAndConfig(nil, []string{
			config.ConfigFileEnv + "=" + path,
			"POWERAPI_PULLER_INTERVAL=2s",
			"POWERAPI_LOG_LEVEL=error",
			"HOME=/root",
		})
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.Log.Level)
		assert.Equal(t, 2*time.Second, cfg.Puller.Interval)
	})

	t.Run("flags over environment", func(t *testing.T) {
		cfg, err := parseArgsAndConfig(
			[]string{"--config-file", path, "--puller.interval=1500ms", "--output", "stdout name=out model=FormulaReport"},
			[]string{"POWERAPI_PULLER_INTERVAL=2s"},
		)
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, cfg.Puller.Interval)
		assert.Equal(t, "FormulaReport", cfg.Output["out"].Model)
	})
}

func TestParseArgsAndConfigErrors(t *testing.T) {
	tt := []struct {
		name    string
		args    []string
		environ []string
	}{{
		name: "no input",
		args: []string{"--output", "stdout"},
	}, {
		name: "unknown flag",
		args: []string{"--frobnicate"},
	}, {
		name: "missing file",
		args: []string{"--config-file", "/nonexistent/powerapi.yaml"},
	}, {
		name:    "unknown environment variable",
		args:    []string{"--input", "socket port=1", "--output", "stdout"},
		environ: []string{"POWERAPI_COLOUR=red"},
	}}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseArgsAndConfig(tc.args, tc.environ)
			assert.Error(t, err)
		})
	}
}

func TestCreateServices(t *testing.T) {
	cfg, err := parseArgsAndConfig([]string{
		"--input", "socket name=sock port=9000",
		"--output", "stdout name=out",
		"--web.listen-address", "127.0.0.1:28290",
		"--debug.pprof",
		"--ipc.directory", t.TempDir(),
	}, nil)
	require.NoError(t, err)

	services, err := createServices(logger.Discard(), cfg)
	require.NoError(t, err)

	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"pipeline", "api-server", "metrics", "health-probe", "pprof", "signal-handler"}, names)
	assert.IsType(t, &service.Pipeline{}, services[0])
	assert.IsType(t, &server.APIServer{}, services[1])
}

func TestCreateServicesWithoutAPIServer(t *testing.T) {
	cfg, err := parseArgsAndConfig([]string{
		"--input", "socket port=9000",
		"--output", "stdout",
	}, nil)
	require.NoError(t, err)

	services, err := createServices(logger.Discard(), cfg)
	require.NoError(t, err)
	assert.Len(t, services, 2)
}

func TestCreateServicesInvalidPipeline(t *testing.T) {
	cfg, err := parseArgsAndConfig([]string{"--input", "socket", "--output", "stdout"}, nil)
	require.NoError(t, err)

	_, err = createServices(logger.Discard(), cfg)
	assert.ErrorIs(t, err, config.ErrMissingArgument)
}
