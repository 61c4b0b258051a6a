// Package registry implements the event type registry (component C3):
// an allow-list binding each event_type to a payload-shape validator
// and a payload builder. Registration is additive and must complete
// before the kernel starts serving commands; Freeze locks the map so
// reads afterward are lock-free, mirroring the teacher's "append-only
// once bootstrapped" registry pattern.
package registry

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validate is invoked on a decoded payload before it is allowed to
// become part of an event. Implementations typically wrap a
// validator.Struct call against a concrete payload type.
type Validate func(payload map[string]any) error

// EventType describes one registered event_type binding.
type EventType struct {
	Name    string
	Version uint32
	Validate Validate
}

// Registry is the process-wide, append-only event type allow-list.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	types  map[string]EventType
	v      *validator.Validate
}

// New creates an empty, writable registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]EventType),
		v:     validator.New(),
	}
}

// ErrAlreadyFrozen is returned by Register once the registry has been frozen.
var ErrAlreadyFrozen = fmt.Errorf("registry: frozen, no further registration allowed")

// ErrAlreadyRegistered is returned when the same event_type is registered twice.
// Re-registering (even with identical arguments) is rejected: a breaking
// payload change must introduce a new vN type name instead.
var ErrAlreadyRegistered = fmt.Errorf("registry: event type already registered")

// Register adds a new event type binding. Must be called before Freeze.
func (r *Registry) Register(et EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: %s", ErrAlreadyFrozen, et.Name)
	}
	if _, exists := r.types[et.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, et.Name)
	}
	if et.Validate == nil {
		et.Validate = func(map[string]any) error { return nil }
	}
	r.types[et.Name] = et
	return nil
}

// RegisterStruct is a convenience wrapper: it builds a Validate func
// from a struct-tag-validated shape using the shared validator
// instance, decoding payload into a fresh zero value of sample's type
// via a caller-supplied decode function.
func (r *Registry) RegisterStruct(name string, version uint32, decode func(map[string]any) (any, error)) error {
	return r.Register(EventType{
		Name:    name,
		Version: version,
		Validate: func(payload map[string]any) error {
			shape, err := decode(payload)
			if err != nil {
				return err
			}
			return r.v.Struct(shape)
		},
	})
}

// Freeze locks the registry against further registration. Call once
// at the end of kernel bootstrap, after every engine has registered
// its event types.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup resolves an event_type in O(1). Safe for concurrent,
// lock-free-after-freeze use; the RWMutex still guards the pre-freeze
// window and is uncontended read traffic afterward.
func (r *Registry) Lookup(name string) (EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[name]
	return et, ok
}

// ValidatePayload resolves name and runs its validator, returning
// ErrUnknownType if name was never registered.
func (r *Registry) ValidatePayload(name string, payload map[string]any) error {
	et, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return et.Validate(payload)
}

// ErrUnknownType is returned when an event_type has no registration.
var ErrUnknownType = fmt.Errorf("registry: unknown event type")
