// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/report"
)

var (
	// ErrNameAlreadyUsed is returned when registering a backend twice
	ErrNameAlreadyUsed = errors.New("name already used")
	// ErrUnknownBackend is returned when looking up a backend never registered
	ErrUnknownBackend = errors.New("unknown database type")
)

// Params are handed to a factory to build a driver
type Params struct {
	Name   string
	Model  report.Kind
	Values config.Values
	Logger *slog.Logger
}

// Factory builds the drivers of one backend type
type Factory struct {
	Type string
	// Args declared by the backend
	Args []config.Arg
	// NewReadable is nil for output only backends
	NewReadable func(Params) (Readable, error)
	// NewWritable is nil for input only backends
	NewWritable func(Params) (Writable, error)
}

// Registry holds the database factories by type
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds f; a type can only be registered once
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Type]; exists {
		return fmt.Errorf("%w: %s", ErrNameAlreadyUsed, f.Type)
	}
	r.factories[f.Type] = f
	return nil
}

// MustRegister is Register panicking on error
func (r *Registry) MustRegister(factories ...Factory) *Registry {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Lookup(typ string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %q", ErrUnknownBackend, typ)
	}
	return f, nil
}

// Types returns the registered types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Args returns the arguments declared for typ and direction, used by the
// configuration layer to resolve component arguments.
func (r *Registry) Args(typ string) ([]config.Arg, error) {
	f, err := r.Lookup(typ)
	if err != nil {
		return nil, err
	}
	return f.Args, nil
}
