package codec

import "fmt"

// TypeResolver resolves a wire type name to a factory for that type.
// Faults carry polymorphic type information; the resolver lets a caller map
// the remote type name back to a concrete local error value.
type TypeResolver interface {
	Resolve(typeName string) (func() error, bool)
}

// MapResolver is a TypeResolver backed by an explicit registration table.
// The zero value is usable.
type MapResolver struct {
	types map[string]func() error
}

func NewMapResolver() *MapResolver {
	return &MapResolver{types: make(map[string]func() error)}
}

// RegisterError maps a wire type name to a factory producing a fresh error
// value of the corresponding local type.
func (m *MapResolver) RegisterError(typeName string, factory func() error) error {
	if m.types == nil {
		m.types = make(map[string]func() error)
	}
	if _, dup := m.types[typeName]; dup {
		return fmt.Errorf("codec: type %q already registered", typeName)
	}
	m.types[typeName] = factory
	return nil
}

func (m *MapResolver) Resolve(typeName string) (func() error, bool) {
	f, ok := m.types[typeName]
	return f, ok
}
