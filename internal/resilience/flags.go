package resilience

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/kernel"
)

type flagKey struct {
	businessID string
	flagKey    string
	branchID   string
}

// FlagStore projects feature_flag.set.v1 / feature_flag.clear.v1
// events into a last-write-wins table keyed by
// (business_id, flag_key, branch_id). The flag_key here is the same
// string a command class declares as guard.CommandClass.FlagKey — not
// an engine name — so a feature_flag.set.v1 naming "cash.drawer"
// enables exactly the command classes declaring that same FlagKey.
type FlagStore struct {
	projection.Base
	mu    sync.RWMutex
	flags map[flagKey]guard.FlagState
}

// NewFlagStore builds an empty feature-flag projection.
func NewFlagStore() *FlagStore {
	s := &FlagStore{flags: make(map[flagKey]guard.FlagState)}
	s.Base = projection.NewBase("feature_flags", []string{"feature_flag.set.v1", "feature_flag.clear.v1"})
	return s
}

type flagPayload struct {
	FlagKey  string `json:"flag_key"`
	BranchID string `json:"branch_id"`
}

// Apply implements projection.Projection.
func (s *FlagStore) Apply(event kernel.Event) error {
	var p flagPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	k := flagKey{businessID: event.BusinessID, flagKey: p.FlagKey, branchID: p.BranchID}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.EventType {
	case "feature_flag.set.v1":
		s.flags[k] = guard.FlagEnabled
	case "feature_flag.clear.v1":
		s.flags[k] = guard.FlagDisabled
	}
	s.Advance(event)
	return nil
}

// Truncate implements projection.Projection.
func (s *FlagStore) Truncate() {
	s.mu.Lock()
	s.flags = make(map[flagKey]guard.FlagState)
	s.mu.Unlock()
	s.ResetCursor()
}

type flagSnapshotEntry struct {
	BusinessID string `json:"business_id"`
	FlagKey    string `json:"flag_key"`
	BranchID   string `json:"branch_id"`
	State      string `json:"state"`
}

// Snapshot implements projection.Projection.
func (s *FlagStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]flagSnapshotEntry, 0, len(s.flags))
	for k, v := range s.flags {
		entries = append(entries, flagSnapshotEntry{k.businessID, k.flagKey, k.branchID, string(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BusinessID != entries[j].BusinessID {
			return entries[i].BusinessID < entries[j].BusinessID
		}
		if entries[i].FlagKey != entries[j].FlagKey {
			return entries[i].FlagKey < entries[j].FlagKey
		}
		return entries[i].BranchID < entries[j].BranchID
	})
	return json.Marshal(entries)
}

// LoadSnapshot implements projection.Projection.
func (s *FlagStore) LoadSnapshot(snap kernel.Snapshot) error {
	var entries []flagSnapshotEntry
	if err := json.Unmarshal(snap.Bytes, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = make(map[flagKey]guard.FlagState, len(entries))
	for _, e := range entries {
		s.flags[flagKey{e.BusinessID, e.FlagKey, e.BranchID}] = guard.FlagState(e.State)
	}
	return nil
}

// FeatureFlag resolves a flag, falling through from the branch-scoped
// entry to the business-wide entry (branchID == "") when no
// branch-specific override exists, defaulting to DISABLED. flagKey is
// the same key a feature_flag.set.v1/clear.v1 command's flag_key
// payload field names, and the same key a guard.CommandClass declares
// as its FlagKey — not an engine name.
func (s *FlagStore) FeatureFlag(businessID, flagKeyStr, branchID string) (guard.FlagState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if branchID != "" {
		if v, ok := s.flags[flagKey{businessID, flagKeyStr, branchID}]; ok {
			return v, nil
		}
	}
	if v, ok := s.flags[flagKey{businessID, flagKeyStr, ""}]; ok {
		return v, nil
	}
	return guard.FlagDisabled, nil
}
