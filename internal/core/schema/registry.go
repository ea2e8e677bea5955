package schema

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/windlabs/wind/internal/core/wire"
)

// Registry is an in-process schema directory keyed by schema id.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register stores a schema, deriving its id from name and version when the
// caller left it empty.
func (r *Registry) Register(s *Schema) string {
	if s.ID == "" {
		s.ID = DeriveID(s.Name, s.Version)
	}

	r.mu.Lock()
	r.schemas[s.ID] = s
	r.mu.Unlock()

	return s.ID
}

// Get returns the schema with the given id.
func (r *Registry) Get(id string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, id)
	}
	return s, nil
}

// Validate checks a value against the schema with the given id.
func (r *Registry) Validate(id string, value wire.Value) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Validate(value)
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// DeriveID produces a stable advisory schema id from a name and version.
func DeriveID(name string, version uint32) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s@%d", name, version)))
}
