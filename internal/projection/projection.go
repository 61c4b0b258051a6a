// Package projection implements the projection runtime (component
// C9): a registry of named read models, each folding a subset of
// event types into its own state, advanced deterministically as
// events commit.
package projection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/majorsoln/bos/pkg/kernel"
)

// Projection is a read model folding a subset of event types into
// state private to the implementation.
type Projection interface {
	Name() string
	EventTypes() []string
	Apply(event kernel.Event) error
	Truncate()
	Snapshot() ([]byte, error)
	LoadSnapshot(snap kernel.Snapshot) error
	Cursor() kernel.Cursor
}

// Runtime holds every registered projection and routes events to the
// ones subscribed to that event's type.
type Runtime struct {
	mu          sync.RWMutex
	projections map[string]Projection
	byType      map[string][]string // event_type -> sorted projection names
}

// New creates an empty projection runtime.
func New() *Runtime {
	return &Runtime{
		projections: make(map[string]Projection),
		byType:      make(map[string][]string),
	}
}

// Register adds a projection. Must complete before any Apply call
// that could touch it.
func (r *Runtime) Register(p Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projections[p.Name()]; exists {
		return fmt.Errorf("projection: %q already registered", p.Name())
	}
	r.projections[p.Name()] = p
	for _, et := range p.EventTypes() {
		names := append(r.byType[et], p.Name())
		sort.Strings(names)
		r.byType[et] = names
	}
	return nil
}

// Get returns a registered projection by name.
func (r *Runtime) Get(name string) (Projection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projections[name]
	return p, ok
}

// Apply folds event into every projection subscribed to its type, in
// deterministic alphabetical-by-name order, advancing each cursor in
// turn. A failure in one projection does not block the others; it is
// returned joined so the caller can log every failure.
func (r *Runtime) Apply(event kernel.Event) error {
	r.mu.RLock()
	names := append([]string(nil), r.byType[event.EventType]...)
	r.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := p.Apply(event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("projection %q: %w", name, err)
		}
	}
	return firstErr
}

// TruncateAll resets every registered projection to empty, used
// before a replay run rebuilds them from the log.
func (r *Runtime) TruncateAll(names []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		for _, p := range r.projections {
			p.Truncate()
		}
		return
	}
	for _, n := range names {
		if p, ok := r.projections[n]; ok {
			p.Truncate()
		}
	}
}

// Names returns every registered projection name, sorted.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projections))
	for n := range r.projections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
