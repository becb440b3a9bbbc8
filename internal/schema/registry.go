// Package schema serves JSON Schemas for the plexer wire surface: plugin
// manifests, request and response envelopes, and notification payloads.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Builder produces the schema for one wire type. It runs at most once per
// entry; the result is cached until Invalidate.
type Builder func() *jsonschema.Schema

// Registry maps lowercase schema names to lazily built schemas.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	build  Builder
	cached *jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register installs or replaces the builder under name. Names are
// case-insensitive; re-registering discards the cached schema.
func (r *Registry) Register(name string, build Builder) error {
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("schema name is required for registration")
	}
	if build == nil {
		return fmt.Errorf("schema builder is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{build: build}
	return nil
}

// Resolve returns the schema registered under name, building it on first
// use.
func (r *Registry) Resolve(name string) (*jsonschema.Schema, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("schema name is required for lookup")
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached == nil {
		e.cached = e.build()
	}
	return e.cached, nil
}

// Names lists the registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate drops every cached schema; builders run again on the next
// Resolve.
func (r *Registry) Invalidate() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		e.cached = nil
		e.mu.Unlock()
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// builtin holds the schemas the REST surface serves.
var builtin = NewRegistry()

// Register adds a schema to the built-in registry.
func Register(name string, build Builder) error {
	return builtin.Register(name, build)
}

// Resolve looks a schema up in the built-in registry.
func Resolve(name string) (*jsonschema.Schema, error) {
	return builtin.Resolve(name)
}

// Names lists the built-in registry contents.
func Names() []string {
	return builtin.Names()
}
