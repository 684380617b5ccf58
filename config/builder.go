// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder is a struct for building a config out of layers, each layer
// overriding what the previous ones set
type Builder struct {
	yamls  []string
	layers []*Config
	Config *Config
}

// Use sets the default configuration
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge adds a YAML string to be merged into the configuration
func (b *Builder) Merge(yamls ...string) *Builder {
	b.yamls = append(b.yamls, yamls...)
	return b
}

// MergeConfig adds decoded layers, merged after the YAML ones
func (b *Builder) MergeConfig(layers ...*Config) *Builder {
	for _, l := range layers {
		if l != nil {
			b.layers = append(b.layers, l)
		}
	}
	return b
}

// Build constructs the final configuration by merging all additional layers into the default configuration
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	var errs error
	layers := make([]*Config, 0, len(b.yamls)+len(b.layers))
	for _, y := range b.yamls {
		additional := &Config{}
		if err := yaml.Unmarshal([]byte(y), additional); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to parse YAML: %w, yaml: %s", err, y))
			continue
		}
		layers = append(layers, additional)
	}
	layers = append(layers, b.layers...)

	for _, additional := range layers {
		if err := mergo.Merge(b.Config, additional, mergo.WithOverride,
			mergo.WithTransformers(transformers{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge config: %w", err))
			continue
		}
	}

	if errs != nil {
		return nil, errs
	}
	return b.Config, nil
}

// transformers customizes merging of optional booleans and components
type transformers struct{}

func (t transformers) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	switch typ {
	case reflect.TypeOf((*bool)(nil)):
		return func(dst, src reflect.Value) error {
			if src.IsNil() {
				return nil
			}
			if dst.CanSet() {
				dst.Set(src)
			}
			return nil
		}

	case reflect.TypeOf(Components(nil)):
		// instances are merged argument by argument so that an environment
		// variable can override one argument of a file component
		return func(dst, src reflect.Value) error {
			if src.Len() == 0 || !dst.CanSet() {
				return nil
			}
			merged := mergeComponents(dst.Interface().(Components), src.Interface().(Components))
			dst.Set(reflect.ValueOf(merged))
			return nil
		}

	case reflect.TypeOf(Component{}):
		return func(dst, src reflect.Value) error {
			s := src.Interface().(Component)
			if s.Type == "" || !dst.CanSet() {
				return nil
			}
			dst.Set(src)
			return nil
		}
	}
	return nil
}
