// Package identity implements actor-to-tenant authorization
// (§6.6's identity/role surface): a projection over role-grant events
// answering the single question the guard pipeline's tenant-isolation
// and actor guards need — is this actor allowed to act for this
// business, optionally scoped to one branch.
package identity

import (
	"sort"
	"sync"

	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/kernel"
)

const (
	EventRoleAssigned = "identity.role.assigned.v1"
	EventRoleRevoked  = "identity.role.revoked.v1"
)

type grantKey struct {
	businessID string
	actorID    string
	branchID   string // empty means business-wide
}

// Store projects identity.role.assigned.v1 / identity.role.revoked.v1
// events into the set of live grants.
type Store struct {
	projection.Base
	mu     sync.RWMutex
	grants map[grantKey]string // -> role name
}

// New builds an empty identity store.
func New() *Store {
	s := &Store{grants: make(map[grantKey]string)}
	s.Base = projection.NewBase("identity_grants", []string{EventRoleAssigned, EventRoleRevoked})
	return s
}

type rolePayload struct {
	ActorID  string `json:"actor_id"`
	BranchID string `json:"branch_id"`
	Role     string `json:"role"`
}

// Apply implements projection.Projection.
func (s *Store) Apply(event kernel.Event) error {
	var p rolePayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	k := grantKey{businessID: event.BusinessID, actorID: p.ActorID, branchID: p.BranchID}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.EventType {
	case EventRoleAssigned:
		s.grants[k] = p.Role
	case EventRoleRevoked:
		delete(s.grants, k)
	}
	s.Advance(event)
	return nil
}

// Truncate implements projection.Projection.
func (s *Store) Truncate() {
	s.mu.Lock()
	s.grants = make(map[grantKey]string)
	s.mu.Unlock()
	s.ResetCursor()
}

type grantSnapshotEntry struct {
	BusinessID string `json:"business_id"`
	ActorID    string `json:"actor_id"`
	BranchID   string `json:"branch_id"`
	Role       string `json:"role"`
}

// Snapshot implements projection.Projection.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]grantSnapshotEntry, 0, len(s.grants))
	for k, role := range s.grants {
		entries = append(entries, grantSnapshotEntry{k.businessID, k.actorID, k.branchID, role})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BusinessID != entries[j].BusinessID {
			return entries[i].BusinessID < entries[j].BusinessID
		}
		if entries[i].ActorID != entries[j].ActorID {
			return entries[i].ActorID < entries[j].ActorID
		}
		return entries[i].BranchID < entries[j].BranchID
	})
	return marshalEntries(entries)
}

// LoadSnapshot implements projection.Projection.
func (s *Store) LoadSnapshot(snap kernel.Snapshot) error {
	var entries []grantSnapshotEntry
	if err := unmarshalEntries(snap.Bytes, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = make(map[grantKey]string, len(entries))
	for _, e := range entries {
		s.grants[grantKey{e.BusinessID, e.ActorID, e.BranchID}] = e.Role
	}
	return nil
}

// IsActorAuthorized satisfies bus.ExternalView / guard.KernelView: an
// actor holding any business-wide grant is authorized for every
// branch; a branch-scoped grant authorizes only that branch. System
// actors (internal automation, e.g. the resilience breaker's
// DEGRADED proposal) are always authorized, since they never carry a
// human-assignable role.
func (s *Store) IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error) {
	if actor.Type == kernel.ActorSystem {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.grants[grantKey{businessID, actor.ID, ""}]; ok {
		return true, nil
	}
	if branchID == "" {
		return false, nil
	}
	_, ok := s.grants[grantKey{businessID, actor.ID, branchID}]
	return ok, nil
}
