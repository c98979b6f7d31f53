// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"slices"

	"github.com/gomlx/fusion/pkg/fusion/platform"
	"github.com/pkg/errors"
)

// Category groups passes for listing and selection.
type Category string

const (
	// BuiltIn passes are run by default.
	BuiltIn Category = "BuiltIn"

	// Experimental passes are only run when explicitly requested.
	Experimental Category = "Experimental"
)

// Env holds the collaborators injected into pass factories.
type Env struct {
	// Platform describes the hardware target. Passes gated on capabilities don't fuse if it's nil.
	Platform platform.Info
}

// Factory creates a Pass for the given environment.
type Factory func(env Env) (Pass, error)

type registration struct {
	category Category
	factory  Factory
}

// Registry is the table of available passes, by name. It is built once (see passes.Register) and
// passed explicitly to the Driver.
type Registry struct {
	entries map[string]registration
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a pass factory. Names must be unique.
func (r *Registry) Register(name string, category Category, factory Factory) error {
	if name == "" || factory == nil {
		return errors.Errorf("Registry.Register(%q): empty name or nil factory", name)
	}
	if _, found := r.entries[name]; found {
		return errors.Errorf("Registry.Register(%q): pass already registered", name)
	}
	r.entries[name] = registration{category: category, factory: factory}
	r.order = append(r.order, name)
	return nil
}

// Names returns the registered pass names, in registration order.
// If categories are given, only passes of those categories are returned.
func (r *Registry) Names(categories ...Category) []string {
	if len(categories) == 0 {
		return slices.Clone(r.order)
	}
	var names []string
	for _, name := range r.order {
		if slices.Contains(categories, r.entries[name].category) {
			names = append(names, name)
		}
	}
	return names
}

// Has returns whether the pass is registered.
func (r *Registry) Has(name string) bool {
	_, found := r.entries[name]
	return found
}

// Category of the registered pass, or "" if not registered.
func (r *Registry) Category(name string) Category { return r.entries[name].category }

// New creates the named pass.
func (r *Registry) New(name string, env Env) (Pass, error) {
	entry, found := r.entries[name]
	if !found {
		return nil, errors.Errorf("pass %q not registered, registered passes: %q", name, r.order)
	}
	pass, err := entry.factory(env)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating pass %q", name)
	}
	return pass, nil
}
