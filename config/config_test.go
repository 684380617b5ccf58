// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

const pipelineYAML = `
input:
  puller:
    type: socket
    model: HWPCReport
    port: 9000
output:
  pusher:
    type: mongodb
    model: PowerReport
    uri: mongodb://127.0.0.1
    db: acme
    collection: power
`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, *cfg.Stream)
	assert.Equal(t, 50, cfg.Pusher.MaxBufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Pusher.FlushInterval)
	assert.Equal(t, time.Second, cfg.Puller.Interval)
	assert.Equal(t, 2*time.Second, cfg.IPC.HandshakeTimeout)
	require.Len(t, cfg.Dispatcher.Rules, 1)
	assert.True(t, cfg.Dispatcher.Rules[0].Primary)
	assert.Equal(t, "rapl", cfg.Formula.Type)

	// a default configuration has no input nor output
	assert.ErrorContains(t, cfg.Validate(), "no input configured")
}

func TestLoadFromYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(pipelineYAML + `
log:
  level: debug
  format: json
stream: true
pusher:
  maxBufferSize: 10
  flushInterval: 1s
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, *cfg.Stream)
	assert.Equal(t, 10, cfg.Pusher.MaxBufferSize)
	assert.Equal(t, time.Second, cfg.Pusher.FlushInterval)
	// untouched values keep their defaults
	assert.Equal(t, time.Second, cfg.Puller.Interval)

	require.Contains(t, cfg.Input, "puller")
	in := cfg.Input["puller"]
	assert.Equal(t, "socket", in.Type)
	assert.Equal(t, "HWPCReport", in.Model)
	assert.Equal(t, map[string]any{"port": 9000}, in.Args)
	assert.Equal(t, "acme", cfg.Output["pusher"].Args["db"])
}

func TestLoadFromJSON(t *testing.T) {
	cfg, err := Load(strings.NewReader(`{
		"verbose": true,
		"input": {"in": {"type": "socket", "port": 9000}},
		"output": {"out": {"type": "stdout"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.Equal(t, []string{"in"}, cfg.Input.Names())
	assert.Equal(t, []string{"out"}, cfg.Output.Names())
}

func TestLoadSchemaErrors(t *testing.T) {
	tt := []struct {
		name string
		yaml string
	}{
		{"unknown key", pipelineYAML + "monitor:\n  interval: 5s\n"},
		{"bad log level", pipelineYAML + "log:\n  level: FATAL\n"},
		{"component without type", "input:\n  puller:\n    port: 9000\n"},
		{"bad depth", pipelineYAML + "dispatcher:\n  rules:\n    - model: HWPCReport\n      depth: rack\n"},
		{"bad duration", pipelineYAML + "puller:\n  interval: often\n"},
		{"stream not a bool", pipelineYAML + "stream: sometimes\n"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(strings.NewReader(tc.yaml))
			assert.ErrorIs(t, err, ErrInvalidDocument)
			assert.Nil(t, cfg)
		})
	}
}

func TestInvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("log:\n  level: debug\ninvalid yaml\n"))
	assert.Error(t, err, "Loading invalid YAML should return an error")
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	layer, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", layer.Log.Level)
	// a file layer carries no defaults
	assert.Empty(t, layer.Log.Format)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to open config file")
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(strings.NewReader(pipelineYAML))
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	csvFile := filepath.Join(t.TempDir(), "rapl.csv")
	require.NoError(t, os.WriteFile(csvFile, []byte("timestamp,sensor,target,socket,cpu\n"), 0o600))

	tt := []struct {
		name   string
		mutate func(*Config)
		errs   []string
	}{{
		name:   "valid",
		mutate: func(*Config) {},
	}, {
		name:   "no output",
		mutate: func(c *Config) { c.Output = Components{} },
		errs:   []string{"no output configured"},
	}, {
		name: "stream with csv",
		mutate: func(c *Config) {
			c.Stream = ptr.To(true)
			c.Input["puller"] = Component{Type: "csv", Args: map[string]any{"files": csvFile}}
		},
		errs: []string{"csv files can't be read in stream mode"},
	}, {
		name: "unreadable csv",
		mutate: func(c *Config) {
			c.Input["puller"] = Component{Type: "csv", Args: map[string]any{"files": []any{csvFile, "/nope.csv"}}}
		},
		errs: []string{`unreadable file "/nope.csv"`},
	}, {
		name:   "bad model",
		mutate: func(c *Config) { c.Output["pusher"] = Component{Type: "stdout", Model: "WattReport"} },
		errs:   []string{`unknown report model "WattReport"`},
	}, {
		name: "pre-processor without puller",
		mutate: func(c *Config) {
			c.PreProcessor["tagger"] = Component{Type: "tags", Args: map[string]any{"tags": "a=b"}}
		},
		errs: []string{`pre-processor tagger: "puller" is required`},
	}, {
		name: "post-processor bound to unknown pusher",
		mutate: func(c *Config) {
			c.PostProcessor["tagger"] = Component{Type: "tags", Args: map[string]any{PusherBinding: "nope"}}
		},
		errs: []string{`post-processor tagger: pusher "nope" does not exist`},
	}, {
		name: "two primary rules",
		mutate: func(c *Config) {
			c.Dispatcher.Rules = append(c.Dispatcher.Rules, DispatchRule{Model: "PowerReport", Depth: "target", Primary: true})
		},
		errs: []string{"exactly one primary rule, got 2"},
	}, {
		name: "several errors",
		mutate: func(c *Config) {
			c.Log.Level = "FATAL"
			c.Pusher.MaxBufferSize = 0
			c.Web.ListenAddresses = []string{"localhost"}
		},
		errs: []string{"invalid log level: FATAL", "max buffer size: 0", `invalid web listen address "localhost"`},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			if len(tc.errs) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, e := range tc.errs {
				assert.Contains(t, err.Error(), e)
			}
		})
	}
}

func TestCommandLinePrecedence(t *testing.T) {
	cfg := validConfig(t)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)
	_, err := app.Parse([]string{
		"--stream",
		"--input", "socket name=puller port=9100",
		"--output", "stdout name=console",
		"--formula", "dummy power=10",
		"--dispatcher.depth", "core",
		"--pusher.max-buffer-size", "5",
	})
	require.NoError(t, err)
	require.NoError(t, updateConfig(cfg))

	assert.True(t, *cfg.Stream)
	// the flag argument overrides the file one, the model is kept
	assert.Equal(t, "9100", cfg.Input["puller"].Args["port"])
	assert.Equal(t, "HWPCReport", cfg.Input["puller"].Model)
	assert.Equal(t, []string{"console", "pusher"}, cfg.Output.Names())
	assert.Equal(t, Component{Type: "dummy", Args: map[string]any{"power": "10"}}, cfg.Formula)
	assert.Equal(t, "core", cfg.Dispatcher.Rules[0].Depth)
	assert.Equal(t, 5, cfg.Pusher.MaxBufferSize)
	// unset flags keep the file values
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestCommandLineDuplicateComponent(t *testing.T) {
	app := kingpin.New("test", "Test application")
	RegisterFlags(app)
	_, err := app.Parse([]string{
		"--input", "socket port=1",
		"--input", "socket port=2",
	})
	assert.ErrorContains(t, err, `component "socket" defined twice`)
}

func TestParseComponent(t *testing.T) {
	tt := []struct {
		in    string
		name  string
		comp  Component
		error string
	}{
		{in: "csv", name: "csv", comp: Component{Type: "csv", Args: map[string]any{}}},
		{
			in:   "mongodb name=in model=HWPCReport uri=mongodb://h:27017/?w=1",
			name: "in",
			comp: Component{Type: "mongodb", Model: "HWPCReport", Args: map[string]any{"uri": "mongodb://h:27017/?w=1"}},
		},
		{in: "", error: "empty component"},
		{in: "csv files", error: "expected key=value"},
		{in: "csv a=1 a=2", error: "set twice"},
		{in: "csv type=jsonl", error: "can't be set as an argument"},
		{in: "csv name=", error: "empty name"},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			name, comp, err := ParseComponent(tc.in)
			if tc.error != "" {
				assert.ErrorContains(t, err, tc.error)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.comp, comp)
		})
	}
}

func TestFromEnv(t *testing.T) {
	known := map[Group][]string{
		GroupInput:         {"host", "port", "queue-size"},
		GroupPostProcessor: {"tags", "pusher"},
	}
	layer, err := FromEnv([]string{
		"HOME=/root",
		"POWERAPI_STREAM=true",
		"POWERAPI_LOG_LEVEL=debug",
		"POWERAPI_PUSHER_FLUSH_INTERVAL=2",
		"POWERAPI_INPUT_MY_PULLER_TYPE=socket",
		"POWERAPI_INPUT_MY_PULLER_QUEUE_SIZE=10",
		"POWERAPI_INPUT_MY_PULLER_PORT=9000",
		"POWERAPI_POST_PROCESSOR_TAGGER_TAGS=dc=lille",
		"POWERAPI_CONFIG_FILE=/etc/powerapi.yaml",
	}, known)
	require.NoError(t, err)

	assert.True(t, *layer.Stream)
	assert.Equal(t, "debug", layer.Log.Level)
	assert.Equal(t, 2*time.Second, layer.Pusher.FlushInterval)
	assert.Equal(t, Components{
		"my-puller": {Type: "socket", Args: map[string]any{"queue-size": "10", "port": "9000"}},
	}, layer.Input)
	assert.Equal(t, "dc=lille", layer.PostProcessor["tagger"].Args["tags"])
}

func TestFromEnvErrors(t *testing.T) {
	_, err := FromEnv([]string{
		"POWERAPI_STREAM=sometimes",
		"POWERAPI_UNKNOWN=1",
		"POWERAPI_INPUT_PULLER_COLOR=red",
		"POWERAPI_INPUT_PORT=1",
	}, map[Group][]string{GroupInput: {"port"}})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrBadType)
	assert.ErrorIs(t, err, ErrUnknownArgument)
	assert.ErrorContains(t, err, "POWERAPI_UNKNOWN")
	assert.ErrorContains(t, err, `no known argument in "puller-color"`)
	assert.ErrorContains(t, err, "missing instance name")
}

func TestBuilder(t *testing.T) {
	file, err := decode(strings.NewReader(pipelineYAML + "stream: false\n"))
	require.NoError(t, err)
	env, err := FromEnv([]string{
		"POWERAPI_STREAM=true",
		"POWERAPI_INPUT_PULLER_PORT=9999",
	}, map[Group][]string{GroupInput: {"port"}})
	require.NoError(t, err)

	cfg, err := (&Builder{}).Use(DefaultConfig()).
		Merge("log:\n  format: json\n").
		MergeConfig(file, env).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, *cfg.Stream, "environment overrides the file")
	puller := cfg.Input["puller"]
	assert.Equal(t, "socket", puller.Type, "type from the file is kept")
	assert.Equal(t, "HWPCReport", puller.Model)
	assert.Equal(t, "9999", puller.Args["port"])
	assert.Equal(t, "rapl", cfg.Formula.Type)
	assert.NoError(t, cfg.Validate())
}

func TestBuilderInvalidYAML(t *testing.T) {
	_, err := (&Builder{}).Merge("log: [").Build()
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestConfigString(t *testing.T) {
	cfg := validConfig(t)
	s := cfg.String()
	assert.Contains(t, s, "puller:")
	assert.Contains(t, s, "type: socket")

	manual := cfg.manualString()
	assert.Contains(t, manual, "input: puller")
	assert.Contains(t, manual, "output: pusher")
}
