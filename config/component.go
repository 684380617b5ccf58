// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadType is returned when an argument value cannot be cast to its declared type
	ErrBadType = errors.New("bad argument type")
	// ErrUnknownArgument is returned for arguments a backend does not declare
	ErrUnknownArgument = errors.New("unknown argument")
	// ErrMissingArgument is returned when a required argument is not set
	ErrMissingArgument = errors.New("missing argument")
)

// Component is one input, output or processor of the pipeline. Type selects
// the backend; every other key is an argument of that backend.
type Component struct {
	Type  string         `yaml:"type"`
	Model string         `yaml:"model,omitempty"`
	Args  map[string]any `yaml:",inline"`
}

// Components maps instance names to their component
type Components map[string]Component

// Names returns the instance names in sorted order
func (c Components) Names() []string {
	return slices.Sorted(maps.Keys(c))
}

// ArgType is the type an argument value is cast to
type ArgType int

const (
	ArgString ArgType = iota
	ArgInt
	ArgFloat
	ArgBool
	ArgStrings
	ArgDuration
)

func (t ArgType) String() string {
	switch t {
	case ArgString:
		return "string"
	case ArgInt:
		return "int"
	case ArgFloat:
		return "float"
	case ArgBool:
		return "bool"
	case ArgStrings:
		return "list"
	case ArgDuration:
		return "duration"
	default:
		return fmt.Sprintf("ArgType(%d)", int(t))
	}
}

// Arg declares an argument accepted by a backend
type Arg struct {
	Name     string
	Type     ArgType
	Default  any
	Required bool
	Help     string
}

// Values are the arguments of a component once cast
type Values map[string]any

// Resolve casts the arguments of c according to args, fills defaults and
// reports unknown and missing arguments.
func (c Component) Resolve(args []Arg) (Values, error) {
	declared := make(map[string]Arg, len(args))
	for _, a := range args {
		declared[a.Name] = a
	}

	var errs []error
	values := Values{}
	for _, key := range slices.Sorted(maps.Keys(c.Args)) {
		arg, ok := declared[key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w %q for %s", ErrUnknownArgument, key, c.Type))
			continue
		}
		v, err := cast(arg.Type, c.Args[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s.%s: %w", ErrBadType, c.Type, key, err))
			continue
		}
		values[key] = v
	}

	for _, a := range args {
		if _, set := values[a.Name]; set {
			continue
		}
		if _, failed := c.Args[a.Name]; failed {
			continue
		}
		if a.Required {
			errs = append(errs, fmt.Errorf("%w %q for %s", ErrMissingArgument, a.Name, c.Type))
			continue
		}
		if a.Default != nil {
			values[a.Name] = a.Default
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return values, nil
}

func cast(t ArgType, v any) (any, error) {
	switch t {
	case ArgString:
		switch x := v.(type) {
		case string:
			return x, nil
		case int, int64, float64, bool:
			return fmt.Sprint(x), nil
		}
	case ArgInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x == float64(int(x)) {
				return int(x), nil
			}
		case string:
			return strconv.Atoi(strings.TrimSpace(x))
		}
	case ArgFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}
	case ArgBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}
	case ArgStrings:
		switch x := v.(type) {
		case []string:
			return x, nil
		case string:
			return splitList(x), nil
		case []any:
			out := make([]string, 0, len(x))
			for _, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("list item %v is not a string", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case ArgDuration:
		switch x := v.(type) {
		case time.Duration:
			return x, nil
		case int:
			return time.Duration(x) * time.Second, nil
		case float64:
			return time.Duration(x * float64(time.Second)), nil
		case string:
			if d, err := time.ParseDuration(strings.TrimSpace(x)); err == nil {
				return d, nil
			}
			secs, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", x)
			}
			return time.Duration(secs * float64(time.Second)), nil
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// String returns the string argument name, or "" when unset
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

func (v Values) Int(name string) int {
	i, _ := v[name].(int)
	return i
}

func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

func (v Values) Strings(name string) []string {
	s, _ := v[name].([]string)
	return s
}

func (v Values) Duration(name string) time.Duration {
	d, _ := v[name].(time.Duration)
	return d
}

// Has reports whether name was set or has a default
func (v Values) Has(name string) bool {
	_, ok := v[name]
	return ok
}
