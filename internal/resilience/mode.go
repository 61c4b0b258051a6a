// Package resilience implements resilience mode and feature flags
// (component C11): both are ordinary projections over ordinary
// events, and the automatic NORMAL→DEGRADED proposal on repeated
// store failures is itself issued as a normal command through the
// bus rather than mutating state out of band.
package resilience

import (
	"encoding/json"
	"sync"

	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/kernel"
)

// Mode mirrors guard.ResilienceMode; kept as its own type so this
// package has no compile-time dependency on internal/guard beyond the
// read-only facade it satisfies.
type Mode = guard.ResilienceMode

const (
	ModeNormal   = guard.ModeNormal
	ModeDegraded = guard.ModeDegraded
	ModeReadOnly = guard.ModeReadOnly
)

// ModeStore projects resilience.mode.set.v1 events into current mode
// per business.
type ModeStore struct {
	projection.Base
	mu    sync.RWMutex
	modes map[string]Mode
}

// NewModeStore builds an empty mode projection.
func NewModeStore() *ModeStore {
	s := &ModeStore{modes: make(map[string]Mode)}
	s.Base = projection.NewBase("resilience_mode", []string{"resilience.mode.set.v1"})
	return s
}

type modeSetPayload struct {
	Mode string `json:"mode"`
}

// Apply implements projection.Projection.
func (s *ModeStore) Apply(event kernel.Event) error {
	var p modeSetPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	s.mu.Lock()
	s.modes[event.BusinessID] = Mode(p.Mode)
	s.mu.Unlock()
	s.Advance(event)
	return nil
}

// Truncate implements projection.Projection.
func (s *ModeStore) Truncate() {
	s.mu.Lock()
	s.modes = make(map[string]Mode)
	s.mu.Unlock()
	s.ResetCursor()
}

// Snapshot implements projection.Projection.
func (s *ModeStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.modes)
}

// LoadSnapshot implements projection.Projection.
func (s *ModeStore) LoadSnapshot(snap kernel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(snap.Bytes, &s.modes)
}

// Mode returns the current resilience mode for businessID, defaulting
// to NORMAL when no resilience.mode.set.v1 event has ever been seen.
func (s *ModeStore) Mode(businessID string) Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[businessID]; ok {
		return m
	}
	return ModeNormal
}

// ResilienceMode satisfies bus.ExternalView's resilience-mode method.
func (s *ModeStore) ResilienceMode(businessID string) (guard.ResilienceMode, error) {
	return s.Mode(businessID), nil
}

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
