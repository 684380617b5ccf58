// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/powerapi-ng/powerapi/config"
)

var (
	// ErrNameAlreadyUsed is returned when registering a processor type twice
	ErrNameAlreadyUsed = errors.New("name already used")
	// ErrUnknownProcessor is returned when looking up a type never registered
	ErrUnknownProcessor = errors.New("unknown processor type")
)

// Factory builds the enrichers of one processor type
type Factory struct {
	Type string
	Args []config.Arg
	New  func(config.Values) (Enricher, error)
}

// Registry holds the processor factories by type
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry holding factories
func NewRegistry(factories ...Factory) (*Registry, error) {
	r := &Registry{factories: map[string]Factory{}}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(f Factory) error {
	if _, exists := r.factories[f.Type]; exists {
		return fmt.Errorf("%w: %s", ErrNameAlreadyUsed, f.Type)
	}
	r.factories[f.Type] = f
	return nil
}

func (r *Registry) Lookup(typ string) (Factory, error) {
	f, ok := r.factories[typ]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %q", ErrUnknownProcessor, typ)
	}
	return f, nil
}

func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.factories))
}
