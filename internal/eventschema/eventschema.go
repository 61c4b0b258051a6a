// Package eventschema binds every event_type the kernel's built-in
// admin engine and journal emit to a concrete payload shape, and
// registers each one with pkg/registry via RegisterStruct so
// validator/v10 struct tags actually run against every event before
// it is allowed onto the chain (component C3). One Register call is
// shared by every process that boots a kernel, so bosctl and bosd can
// never drift into registering the same event_type with two different
// shapes.
package eventschema

import (
	"encoding/json"
	"fmt"

	"github.com/majorsoln/bos/internal/apikey"
	"github.com/majorsoln/bos/internal/audit"
	"github.com/majorsoln/bos/internal/bizdirectory"
	"github.com/majorsoln/bos/internal/identity"
	"github.com/majorsoln/bos/pkg/registry"
)

func decode(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func decoder[T any](payload map[string]any) (any, error) {
	var shape T
	if err := decode(payload, &shape); err != nil {
		return nil, err
	}
	return shape, nil
}

type flagPayload struct {
	FlagKey  string `json:"flag_key" validate:"required"`
	BranchID string `json:"branch_id" validate:"omitempty"`
}

type compliancePayload struct {
	Name            string        `json:"name" validate:"required"`
	AuditRejections *bool         `json:"audit_rejections"`
	Rules           []rulePayload `json:"rules" validate:"dive"`
}

type rulePayload struct {
	Name      string  `json:"name" validate:"required"`
	Kind      string  `json:"kind" validate:"required,oneof=max min"`
	Field     string  `json:"field" validate:"required"`
	Threshold float64 `json:"threshold"`
}

type complianceDeactivatePayload struct{}

type modeSetPayload struct {
	Mode string `json:"mode" validate:"required,oneof=NORMAL DEGRADED READ_ONLY"`
}

type roleAssignPayload struct {
	ActorID  string `json:"actor_id" validate:"required"`
	BranchID string `json:"branch_id" validate:"omitempty"`
	Role     string `json:"role" validate:"required"`
}

type roleRevokePayload struct {
	ActorID  string `json:"actor_id" validate:"required"`
	BranchID string `json:"branch_id" validate:"omitempty"`
}

type apiKeyIssuedPayload struct {
	TokenID    string `json:"token_id" validate:"required"`
	ForActorID string `json:"for_actor_id" validate:"required"`
	ExpiresAt  string `json:"expires_at" validate:"required"`
}

type apiKeyRevokedPayload struct {
	TokenID string `json:"token_id" validate:"required"`
}

// business.create.v1/suspend/reactivate/close carry whatever fields
// the caller's business directory wants to record (handleBusinessCreate
// and its siblings in internal/adminengine forward cmd.Payload
// unvalidated); this shape exists so the event_type is a registered
// struct rather than a bare name, but it imposes no constraint the
// handler itself doesn't already enforce.
type businessLifecyclePayload struct {
	BusinessID string `json:"business_id" validate:"omitempty"`
	Reason     string `json:"reason" validate:"omitempty"`
}

type branchPayload struct {
	BranchID string `json:"branch_id" validate:"required"`
}

type rejectionRecordedPayload struct {
	CommandID   string `json:"command_id" validate:"required"`
	CommandType string `json:"command_type" validate:"required"`
	ActorID     string `json:"actor_id"`
	ActorType   string `json:"actor_type"`
	Code        string `json:"code" validate:"required"`
	Message     string `json:"message"`
	PolicyName  string `json:"policy_name"`
}

// Register binds every built-in event_type to a RegisterStruct
// validator, or to a name-only Register for the journal's free-form
// entry types whose payload shape is caller-defined rather than fixed
// by this kernel.
func Register(reg *registry.Registry) error {
	structs := []struct {
		name   string
		decode func(map[string]any) (any, error)
	}{
		{"feature_flag.set.v1", decoder[flagPayload]},
		{"feature_flag.clear.v1", decoder[flagPayload]},
		{audit.EventComplianceProfileUpserted, decoder[compliancePayload]},
		{audit.EventComplianceProfileDeactivated, decoder[complianceDeactivatePayload]},
		{"resilience.mode.set.v1", decoder[modeSetPayload]},
		{identity.EventRoleAssigned, decoder[roleAssignPayload]},
		{identity.EventRoleRevoked, decoder[roleRevokePayload]},
		{apikey.EventAPIKeyIssued, decoder[apiKeyIssuedPayload]},
		{apikey.EventAPIKeyRevoked, decoder[apiKeyRevokedPayload]},
		{bizdirectory.EventBusinessCreated, decoder[businessLifecyclePayload]},
		{bizdirectory.EventBusinessSuspended, decoder[businessLifecyclePayload]},
		{bizdirectory.EventBusinessReactivated, decoder[businessLifecyclePayload]},
		{bizdirectory.EventBusinessClosed, decoder[businessLifecyclePayload]},
		{bizdirectory.EventBranchAdded, decoder[branchPayload]},
		{bizdirectory.EventBranchClosed, decoder[branchPayload]},
		{audit.EventRejectionRecorded, decoder[rejectionRecordedPayload]},
	}
	for _, s := range structs {
		if err := reg.RegisterStruct(s.name, 1, s.decode); err != nil {
			return fmt.Errorf("eventschema: register %s: %w", s.name, err)
		}
	}

	// audit.entry.recorded.v1, consent.recorded.v1, and
	// ai.decision.recorded.v1 carry whatever map the calling engine
	// passes RecordEntry/RecordConsent/RecordAIDecision (§6.6's journal
	// is a free-form append, not a fixed command payload) — allow-listed
	// by name only, same as before RegisterStruct existed.
	freeform := []string{
		audit.EventEntryRecorded,
		audit.EventConsentRecorded,
		audit.EventAIDecisionRecorded,
	}
	for _, name := range freeform {
		if err := reg.Register(registry.EventType{Name: name, Version: 1}); err != nil {
			return fmt.Errorf("eventschema: register %s: %w", name, err)
		}
	}
	return nil
}
