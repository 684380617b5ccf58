// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"strings"
)

// nameKey is the component argument naming the instance
const nameKey = "name"

// ParseComponent parses "TYPE key=value..." into the instance name and its
// component. The name defaults to the type.
func ParseComponent(s string) (string, Component, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", Component{}, fmt.Errorf("empty component")
	}

	c := Component{Type: fields[0], Args: map[string]any{}}
	name := c.Type
	for _, field := range fields[1:] {
		k, v, ok := strings.Cut(field, "=")
		if !ok || k == "" {
			return "", Component{}, fmt.Errorf("invalid argument %q for %s, expected key=value", field, c.Type)
		}
		switch k {
		case nameKey:
			name = v
		case "model":
			c.Model = v
		case "type":
			return "", Component{}, fmt.Errorf("type of %s can't be set as an argument", c.Type)
		default:
			if _, dup := c.Args[k]; dup {
				return "", Component{}, fmt.Errorf("argument %q of %s set twice", k, c.Type)
			}
			c.Args[k] = v
		}
	}
	if name == "" {
		return "", Component{}, fmt.Errorf("empty name for %s", c.Type)
	}
	return name, c, nil
}

// ComponentsValue is a kingpin.Value accumulating components
type ComponentsValue struct {
	components Components
}

// NewComponentsValue creates a ComponentsValue filling target
func NewComponentsValue(target Components) *ComponentsValue {
	return &ComponentsValue{components: target}
}

// Set implements kingpin.Value interface
func (v *ComponentsValue) Set(value string) error {
	name, c, err := ParseComponent(value)
	if err != nil {
		return err
	}
	if _, exists := v.components[name]; exists {
		return fmt.Errorf("component %q defined twice", name)
	}
	v.components[name] = c
	return nil
}

// String implements kingpin.Value interface
func (v *ComponentsValue) String() string {
	return strings.Join(v.components.Names(), ",")
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (v *ComponentsValue) IsCumulative() bool {
	return true
}

// componentValue is a kingpin.Value holding a single unnamed component
type componentValue struct {
	component *Component
}

func (v *componentValue) Set(value string) error {
	_, c, err := ParseComponent(value)
	if err != nil {
		return err
	}
	*v.component = c
	return nil
}

func (v *componentValue) String() string {
	return v.component.Type
}

// mergeComponents merges src into dst instance by instance: type and model
// are replaced when set, arguments are merged key by key.
func mergeComponents(dst, src Components) Components {
	if dst == nil {
		dst = Components{}
	}
	for name, s := range src {
		d, ok := dst[name]
		if !ok {
			d = Component{Args: map[string]any{}}
		}
		if s.Type != "" {
			d.Type = s.Type
		}
		if s.Model != "" {
			d.Model = s.Model
		}
		args := make(map[string]any, len(d.Args)+len(s.Args))
		maps.Copy(args, d.Args)
		maps.Copy(args, s.Args)
		d.Args = args
		dst[name] = d
	}
	return dst
}
