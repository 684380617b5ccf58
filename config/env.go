// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvPrefix starts every variable read by FromEnv
	EnvPrefix = "POWERAPI_"
	// ConfigFileEnv names the configuration file, it is read by the command
	ConfigFileEnv = EnvPrefix + "CONFIG_FILE"
)

// Group is a family of components configured by instance name
type Group string

const (
	GroupInput         Group = "input"
	GroupOutput        Group = "output"
	GroupPreProcessor  Group = "pre-processor"
	GroupPostProcessor Group = "post-processor"
)

// Groups returns the component groups
func Groups() []Group {
	return []Group{GroupInput, GroupOutput, GroupPreProcessor, GroupPostProcessor}
}

func (g Group) envPrefix() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(string(g), "-", "_")) + "_"
}

// Of returns the components of the group in c
func (g Group) Of(c *Config) *Components {
	switch g {
	case GroupInput:
		return &c.Input
	case GroupOutput:
		return &c.Output
	case GroupPreProcessor:
		return &c.PreProcessor
	default:
		return &c.PostProcessor
	}
}

type envSetter func(c *Config, v string) error

var envSetters = map[string]envSetter{
	"LOG_LEVEL":  func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT": func(c *Config, v string) error { c.Log.Format = v; return nil },
	"VERBOSE":    func(c *Config, v string) error { return parseBool(v, &c.Verbose) },
	"STREAM":     func(c *Config, v string) error { return parseBool(v, &c.Stream) },
	"FORMULA": func(c *Config, v string) error {
		_, comp, err := ParseComponent(v)
		c.Formula = comp
		return err
	},
	"PULLER_INTERVAL": func(c *Config, v string) error { return parseDuration(v, &c.Puller.Interval) },
	"PUSHER_MAX_BUFFER_SIZE": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Pusher.MaxBufferSize = n
		return err
	},
	"PUSHER_FLUSH_INTERVAL": func(c *Config, v string) error { return parseDuration(v, &c.Pusher.FlushInterval) },
	"IPC_DIRECTORY":         func(c *Config, v string) error { c.IPC.Directory = v; return nil },
	"WEB_CONFIG_FILE":       func(c *Config, v string) error { c.Web.Config = v; return nil },
	"WEB_LISTEN_ADDRESS": func(c *Config, v string) error {
		c.Web.ListenAddresses = splitList(v)
		return nil
	},
}

func parseBool(v string, dst **bool) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = &b
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := cast(ArgDuration, v)
	if err != nil {
		return err
	}
	*dst = d.(time.Duration)
	return nil
}

// FromEnv builds the configuration layer held by the POWERAPI_ variables of
// environ ("KEY=value" items, as returned by os.Environ).
//
// Component arguments are read from POWERAPI_<GROUP>_<INSTANCE>_<ARG>. The
// instance name and the argument name are told apart using args, the
// argument names known for each group: the longest known argument ending
// the variable name wins. Names are lower cased and "_" becomes "-".
func FromEnv(environ []string, args map[Group][]string) (*Config, error) {
	cfg := &Config{}
	var errs []error

next:
	for _, item := range slices.Sorted(slices.Values(environ)) {
		key, value, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || key == ConfigFileEnv {
			continue
		}

		for _, g := range Groups() {
			prefix := g.envPrefix()
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			name, arg, err := splitEnvName(strings.TrimPrefix(key, prefix), args[g])
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue next
			}
			setArg(g.Of(cfg), name, arg, value)
			continue next
		}

		setter, ok := envSetters[strings.TrimPrefix(key, EnvPrefix)]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown environment variable %s", ErrUnknownArgument, key))
			continue
		}
		if err := setter(cfg, value); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrBadType, key, err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// splitEnvName splits "MY_PULLER_QUEUE_SIZE" into "my-puller" and
// "queue-size" when queue-size is a known argument
func splitEnvName(suffix string, known []string) (string, string, error) {
	suffix = strings.ToLower(strings.ReplaceAll(suffix, "_", "-"))

	arg := ""
	for _, candidate := range append([]string{"type", "model"}, known...) {
		if suffix == candidate {
			return "", "", fmt.Errorf("missing instance name")
		}
		if len(candidate) > len(arg) && strings.HasSuffix(suffix, "-"+candidate) {
			arg = candidate
		}
	}
	if arg == "" {
		return "", "", fmt.Errorf("%w: no known argument in %q", ErrUnknownArgument, suffix)
	}
	return strings.TrimSuffix(suffix, "-"+arg), arg, nil
}

func setArg(group *Components, name, arg, value string) {
	if *group == nil {
		*group = Components{}
	}
	c, ok := (*group)[name]
	if !ok {
		c = Component{Args: map[string]any{}}
	}
	switch arg {
	case "type":
		c.Type = value
	case "model":
		c.Model = value
	default:
		c.Args[arg] = value
	}
	(*group)[name] = c
}
