// Package adminengine is the kernel's one built-in engine: it
// registers the administrative command surface (§6.6 — feature
// flags, compliance profiles, resilience mode, identity grants, API
// keys, business/branch lifecycle) through the exact same
// bus.EngineRegistration/CommandSpec contract any external domain
// engine uses, so the plug-in boundary is exercised end to end without
// a real business domain in scope.
package adminengine

import (
	"context"
	"fmt"

	"github.com/majorsoln/bos/internal/apikey"
	"github.com/majorsoln/bos/internal/bizdirectory"
	"github.com/majorsoln/bos/internal/bus"
	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
)

// Name is the source_engine / engine_name this package registers under.
const Name = "adminengine"

// Engine bundles the dependencies command handlers need beyond the
// HandlerView the bus provides: the signer for API-key issuance.
type Engine struct {
	signer *apikey.Signer
}

// New builds the admin engine. signer may be nil; api_key.issue.v1
// then always rejects with INVALID_COMMAND_STRUCTURE.
func New(signer *apikey.Signer) *Engine {
	return &Engine{signer: signer}
}

// Registration returns the bus.EngineRegistration binding every
// administrative command_type to its guard classification and handler.
func (e *Engine) Registration() bus.EngineRegistration {
	// None of these declare a FlagKey: the admin surface is core
	// kernel infrastructure, not an optional domain feature, and it is
	// the only surface that can ever set a feature flag in the first
	// place — gating it behind one would leave no way to bootstrap a
	// business's flags at all.
	essential := guard.CommandClass{EngineName: Name, ActorRequired: true, Essential: true}
	standard := guard.CommandClass{EngineName: Name, ActorRequired: true}
	branchScoped := guard.CommandClass{EngineName: Name, ActorRequired: true, ScopeBranch: guard.ScopeBranchRequired}

	return bus.EngineRegistration{
		Name: Name,
		Commands: map[string]bus.CommandSpec{
			"feature_flag.set.v1":   {Class: essential, Handler: handleFlagSet},
			"feature_flag.clear.v1": {Class: essential, Handler: handleFlagClear},

			"compliance_profile.upsert.v1":     {Class: essential, Handler: handleComplianceUpsert},
			"compliance_profile.deactivate.v1": {Class: essential, Handler: handleComplianceDeactivate},

			"resilience.mode.set.v1": {Class: essential, Handler: handleResilienceModeSet},

			"identity.role.assign.v1": {Class: essential, Handler: handleRoleAssign},
			"identity.role.revoke.v1": {Class: essential, Handler: handleRoleRevoke},

			"api_key.issue.v1":  {Class: standard, Handler: e.handleAPIKeyIssue},
			"api_key.revoke.v1": {Class: standard, Handler: handleAPIKeyRevoke},

			"business.create.v1":     {Class: essential, Handler: handleBusinessCreate},
			"business.suspend.v1":    {Class: essential, Handler: handleBusinessSuspend},
			"business.reactivate.v1": {Class: essential, Handler: handleBusinessReactivate},
			"business.close.v1":      {Class: essential, Handler: handleBusinessClose},

			"branch.add.v1":   {Class: essential, Handler: handleBranchAdd},
			"branch.close.v1": {Class: branchScoped, Handler: handleBranchClose},
		},
	}
}

func missingField(field string) *kernel.Rejection {
	return &kernel.Rejection{
		Code:    kernelerrors.CodeInvalidCommandStructure,
		Message: fmt.Sprintf("payload field %q is required", field),
	}
}

func stringField(cmd kernel.Command, field string) (string, *kernel.Rejection) {
	v, ok := cmd.Payload[field]
	if !ok {
		return "", missingField(field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", missingField(field)
	}
	return s, nil
}

func handleFlagSet(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "flag_key"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "feature_flag.set.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleFlagClear(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "flag_key"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "feature_flag.clear.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleComplianceUpsert(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "name"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "compliance_profile.upserted.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleComplianceDeactivate(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: "compliance_profile.deactivated.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleResilienceModeSet(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	mode, rej := stringField(cmd, "mode")
	if rej != nil {
		return nil, rej
	}
	switch guard.ResilienceMode(mode) {
	case guard.ModeNormal, guard.ModeDegraded, guard.ModeReadOnly:
	default:
		return nil, &kernel.Rejection{Code: kernelerrors.CodeInvalidCommandStructure, Message: "mode must be NORMAL, DEGRADED, or READ_ONLY"}
	}
	return []bus.EventDraft{{EventType: "resilience.mode.set.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleRoleAssign(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "actor_id"); rej != nil {
		return nil, rej
	}
	if _, rej := stringField(cmd, "role"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "identity.role.assigned.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleRoleRevoke(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "actor_id"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "identity.role.revoked.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

// handleAPIKeyIssue mints a signed token out-of-band (the token itself
// is never stored in the event — only its token_id, so a leaked event
// log entry cannot be replayed as a credential) and records only the
// issuance fact.
func (e *Engine) handleAPIKeyIssue(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if e.signer == nil {
		return nil, &kernel.Rejection{Code: kernelerrors.CodeInvalidCommandStructure, Message: "api key signer is not configured"}
	}
	actorID, rej := stringField(cmd, "for_actor_id")
	if rej != nil {
		return nil, rej
	}
	_, tokenID, expiresAt, err := e.signer.Issue(cmd.BusinessID, actorID)
	if err != nil {
		return nil, &kernel.Rejection{Code: kernelerrors.CodeInvalidCommandStructure, Message: err.Error()}
	}
	return []bus.EventDraft{{
		EventType:    "api_key.issued.v1",
		EventVersion: 1,
		Payload: map[string]any{
			"token_id":     tokenID,
			"for_actor_id": actorID,
			"expires_at":   expiresAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		},
	}}, nil
}

func handleAPIKeyRevoke(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "token_id"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: "api_key.revoked.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBusinessCreate(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: bizdirectory.EventBusinessCreated, EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBusinessSuspend(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: bizdirectory.EventBusinessSuspended, EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBusinessReactivate(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: bizdirectory.EventBusinessReactivated, EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBusinessClose(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: bizdirectory.EventBusinessClosed, EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBranchAdd(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	if _, rej := stringField(cmd, "branch_id"); rej != nil {
		return nil, rej
	}
	return []bus.EventDraft{{EventType: bizdirectory.EventBranchAdded, EventVersion: 1, Payload: cmd.Payload}}, nil
}

func handleBranchClose(_ context.Context, cmd kernel.Command, _ bus.HandlerView) ([]bus.EventDraft, *kernel.Rejection) {
	return []bus.EventDraft{{EventType: bizdirectory.EventBranchClosed, EventVersion: 1, Payload: map[string]any{"branch_id": cmd.BranchID}}}, nil
}
