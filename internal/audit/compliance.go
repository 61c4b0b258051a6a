package audit

import (
	"encoding/json"
	"sync"

	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/policy"
)

const (
	EventComplianceProfileUpserted    = "compliance_profile.upserted.v1"
	EventComplianceProfileDeactivated = "compliance_profile.deactivated.v1"
)

// ComplianceStore projects compliance_profile.upserted.v1 /
// compliance_profile.deactivated.v1 events into the active
// policy.Profile per business, and the per-business
// audit_rejections override used by Logger.RejectionAuditingEnabled.
type ComplianceStore struct {
	projection.Base
	mu       sync.RWMutex
	profiles map[string]policy.Profile
}

// NewComplianceStore builds an empty compliance-profile projection.
func NewComplianceStore() *ComplianceStore {
	s := &ComplianceStore{profiles: make(map[string]policy.Profile)}
	s.Base = projection.NewBase("compliance_profiles", []string{
		EventComplianceProfileUpserted,
		EventComplianceProfileDeactivated,
	})
	return s
}

type rulePayload struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Field     string  `json:"field"`
	Threshold float64 `json:"threshold"`
}

type profileUpsertPayload struct {
	Name             string        `json:"name"`
	AuditRejections  *bool         `json:"audit_rejections"`
	Rules            []rulePayload `json:"rules"`
}

// Apply implements projection.Projection.
func (s *ComplianceStore) Apply(event kernel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.EventType {
	case EventComplianceProfileUpserted:
		var p profileUpsertPayload
		if err := decodePayload(event.Payload, &p); err != nil {
			return err
		}
		rules := make([]policy.Rule, 0, len(p.Rules))
		for _, r := range p.Rules {
			rules = append(rules, policy.Rule{Name: r.Name, Kind: policy.RuleKind(r.Kind), Field: r.Field, Threshold: r.Threshold})
		}
		disabled := p.AuditRejections != nil && !*p.AuditRejections
		s.profiles[event.BusinessID] = policy.Profile{
			BusinessID:              event.BusinessID,
			Name:                    p.Name,
			Active:                  true,
			Rules:                   rules,
			AuditRejectionsDisabled: disabled,
		}
	case EventComplianceProfileDeactivated:
		if existing, ok := s.profiles[event.BusinessID]; ok {
			existing.Active = false
			s.profiles[event.BusinessID] = existing
		}
	}
	s.Advance(event)
	return nil
}

// Truncate implements projection.Projection.
func (s *ComplianceStore) Truncate() {
	s.mu.Lock()
	s.profiles = make(map[string]policy.Profile)
	s.mu.Unlock()
	s.ResetCursor()
}

// Snapshot implements projection.Projection.
func (s *ComplianceStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.profiles)
}

// LoadSnapshot implements projection.Projection.
func (s *ComplianceStore) LoadSnapshot(snap kernel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(snap.Bytes, &s.profiles)
}

// ComplianceProfile satisfies bus.ExternalView / guard.KernelView: an
// unset business gets the zero Profile, which policy.Evaluate treats
// as inactive (no rules enforced).
func (s *ComplianceStore) ComplianceProfile(businessID string) (policy.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[businessID], nil
}

// AuditRejectionsDisabled reports whether businessID's active
// compliance profile explicitly turns off rejection auditing.
func (s *ComplianceStore) AuditRejectionsDisabled(businessID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[businessID]
	return ok && p.AuditRejectionsDisabled
}

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
