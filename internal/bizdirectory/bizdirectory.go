// Package bizdirectory implements the business and branch lifecycle
// surface (§6.6): a projection over business/branch lifecycle events
// answering the guard pipeline's business-state and scope-guard
// questions.
package bizdirectory

import (
	"encoding/json"
	"sync"

	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/kernel"
)

const (
	EventBusinessCreated     = "business.created.v1"
	EventBusinessSuspended   = "business.suspended.v1"
	EventBusinessReactivated = "business.reactivated.v1"
	EventBusinessClosed      = "business.closed.v1"
	EventBranchAdded         = "branch.added.v1"
	EventBranchClosed        = "branch.closed.v1"
)

// Store projects business and branch lifecycle events into current
// BusinessState and the set of open branches per business.
type Store struct {
	projection.Base
	mu       sync.RWMutex
	states   map[string]guard.BusinessState
	branches map[string]map[string]bool // business_id -> branch_id -> open
}

// New builds an empty directory.
func New() *Store {
	s := &Store{
		states:   make(map[string]guard.BusinessState),
		branches: make(map[string]map[string]bool),
	}
	s.Base = projection.NewBase("bizdirectory", []string{
		EventBusinessCreated, EventBusinessSuspended, EventBusinessReactivated, EventBusinessClosed,
		EventBranchAdded, EventBranchClosed,
	})
	return s
}

type branchPayload struct {
	BranchID string `json:"branch_id"`
}

// Apply implements projection.Projection.
func (s *Store) Apply(event kernel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.EventType {
	case EventBusinessCreated:
		s.states[event.BusinessID] = guard.BusinessCreated
	case EventBusinessSuspended:
		s.states[event.BusinessID] = guard.BusinessSuspended
	case EventBusinessReactivated:
		s.states[event.BusinessID] = guard.BusinessActive
	case EventBusinessClosed:
		s.states[event.BusinessID] = guard.BusinessClosed
	case EventBranchAdded:
		var p branchPayload
		if err := decodePayload(event.Payload, &p); err != nil {
			return err
		}
		if s.branches[event.BusinessID] == nil {
			s.branches[event.BusinessID] = make(map[string]bool)
		}
		s.branches[event.BusinessID][p.BranchID] = true
	case EventBranchClosed:
		var p branchPayload
		if err := decodePayload(event.Payload, &p); err != nil {
			return err
		}
		if s.branches[event.BusinessID] != nil {
			s.branches[event.BusinessID][p.BranchID] = false
		}
	}
	s.Advance(event)
	return nil
}

// Truncate implements projection.Projection.
func (s *Store) Truncate() {
	s.mu.Lock()
	s.states = make(map[string]guard.BusinessState)
	s.branches = make(map[string]map[string]bool)
	s.mu.Unlock()
	s.ResetCursor()
}

type snapshotShape struct {
	States   map[string]guard.BusinessState `json:"states"`
	Branches map[string]map[string]bool     `json:"branches"`
}

// Snapshot implements projection.Projection.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshotShape{States: s.states, Branches: s.branches})
}

// LoadSnapshot implements projection.Projection.
func (s *Store) LoadSnapshot(snap kernel.Snapshot) error {
	var shape snapshotShape
	if err := json.Unmarshal(snap.Bytes, &shape); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = shape.States
	s.branches = shape.Branches
	return nil
}

// BusinessState satisfies bus.ExternalView / guard.KernelView. An
// unknown business_id is treated as CREATED rather than erroring: the
// business-state guard only rejects SUSPENDED/CLOSED, so a
// never-created business is simply not yet restricted.
func (s *Store) BusinessState(businessID string) (guard.BusinessState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[businessID]; ok {
		return st, nil
	}
	return guard.BusinessCreated, nil
}

// BranchExists satisfies bus.ExternalView / guard.KernelView: true
// only for a branch that was added and has not since been closed.
func (s *Store) BranchExists(businessID, branchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	open, ok := s.branches[businessID][branchID]
	return ok && open, nil
}

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
