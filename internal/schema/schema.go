// Package schema implements the named validator registry the dispatch
// runtime uses to enforce strict contract shapes on provider output. It
// never transforms payloads — only accepts or rejects them.
package schema

import (
	"fmt"
	"sync"
)

// Validator checks a decoded payload and returns an error describing the
// first violation, or nil if payload satisfies the schema.
type Validator func(payload any) error

type entry struct {
	schemaID      string
	schemaVersion string
	validate      Validator
}

// Registry is a type-keyed registry of the latest validator registered for
// each type string.
type Registry struct {
	mu      sync.RWMutex
	byType  map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]entry)}
}

// Register binds validate to typ under (schemaID, schemaVersion). The most
// recently registered tuple for a type wins.
func (r *Registry) Register(typ, schemaID, schemaVersion string, validate Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = entry{schemaID: schemaID, schemaVersion: schemaVersion, validate: validate}
}

// Validate reports whether payload satisfies the latest schema registered
// for typ. If version is non-empty and does not match the registered
// schema's version, Validate returns false.
func (r *Registry) Validate(typ string, payload any, version ...string) bool {
	return r.validateErr(typ, payload, version...) == nil
}

// Assert validates payload and returns a version-annotated error when it
// fails (including when typ has no registered validator).
func (r *Registry) Assert(typ string, payload any, version ...string) error {
	return r.validateErr(typ, payload, version...)
}

func (r *Registry) validateErr(typ string, payload any, version ...string) error {
	r.mu.RLock()
	e, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema: no validator registered for type %q", typ)
	}
	if len(version) > 0 && version[0] != "" && version[0] != e.schemaVersion {
		return fmt.Errorf("schema: %s version mismatch: have %s, want %s", e.schemaID, e.schemaVersion, version[0])
	}
	if err := e.validate(payload); err != nil {
		return fmt.Errorf("schema: %s@%s: %w", e.schemaID, e.schemaVersion, err)
	}
	return nil
}
