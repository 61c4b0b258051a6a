// Package guard implements the ten-step guard pipeline (component
// C5): pure, fail-closed checks run in fixed order ahead of any
// engine handler, short-circuiting on the first rejection. The shape
// mirrors the teacher's privacy.Guard — a struct of precompiled
// checks with a single validating entry point that never partially
// applies its result — generalized from one privacy check to an
// ordered chain of ten.
package guard

import (
	"context"
	"fmt"

	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
	"github.com/majorsoln/bos/pkg/policy"
)

// KernelView is the read-only facade a guard may consult: current
// resilience mode, feature flags, actor scope, and the active
// compliance profile. Guards never see the raw event store.
type KernelView interface {
	CommandClass(commandType string) (CommandClass, bool)
	IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error)
	BusinessState(businessID string) (BusinessState, error)
	BranchExists(businessID, branchID string) (bool, error)
	FeatureFlag(businessID, flagKey, branchID string) (FlagState, error)
	ResilienceMode(businessID string) (ResilienceMode, error)
	ComplianceProfile(businessID string) (policy.Profile, error)
	CheckRate(actorID, businessID string, actorType kernel.ActorType) (bool, error)
	CheckAnomaly(businessID string, actor kernel.ActorRef, commandType string) (bool, error)
}

// CommandClass declares the scope and authorization requirements a
// command_type carries, looked up once per dispatch from the engine
// registry that registered the command.
type CommandClass struct {
	EngineName    string
	FlagKey       string // feature-flag key this command_type is gated by; empty means ungated
	ActorRequired bool
	ScopeBranch   ScopeRule
	Essential     bool // passes even in DEGRADED mode
	AIForbidden   bool // this command class may never be executed by an AI actor
}

// ScopeRule enumerates the scope declarations a command class may carry.
type ScopeRule int

const (
	ScopeBusinessAllowed ScopeRule = iota
	ScopeBranchRequired
)

// BusinessState is the accepting/non-accepting lifecycle state of a business.
type BusinessState string

const (
	BusinessCreated   BusinessState = "CREATED"
	BusinessActive    BusinessState = "ACTIVE"
	BusinessSuspended BusinessState = "SUSPENDED"
	BusinessClosed    BusinessState = "CLOSED"
)

// FlagState is a feature flag's resolved value for a business/branch.
type FlagState string

const (
	FlagEnabled  FlagState = "ENABLED"
	FlagDisabled FlagState = "DISABLED"
)

// ResilienceMode mirrors internal/resilience.Mode without importing
// it, to keep guard dependency-free of the bus/resilience wiring.
type ResilienceMode string

const (
	ModeNormal   ResilienceMode = "NORMAL"
	ModeDegraded ResilienceMode = "DEGRADED"
	ModeReadOnly ResilienceMode = "READ_ONLY"
)

// Guard evaluates one step of the pipeline and returns nil to pass or
// a structured Rejection to fail.
type Guard func(ctx context.Context, bctx kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection

// Pipeline runs the fixed ten-guard sequence.
type Pipeline struct {
	guards []namedGuard
}

type namedGuard struct {
	name string
	fn   Guard
}

// New builds the pipeline in the mandated §4.5 order. The order is
// fixed by construction, not configurable, so "earliest guard wins"
// (spec invariant on multi-guard rejections) is automatic.
func New() *Pipeline {
	p := &Pipeline{}
	p.guards = []namedGuard{
		{"structural_validation", structuralValidation},
		{"actor_guard", actorGuard},
		{"scope_guard", scopeGuard},
		{"business_state_guard", businessStateGuard},
		{"feature_flag_guard", featureFlagGuard},
		{"tenant_isolation_guard", tenantIsolationGuard},
		{"rate_limit_guard", rateLimitGuard},
		{"anomaly_guard", anomalyGuard},
		{"resilience_mode_guard", resilienceModeGuard},
		{"compliance_guard", complianceGuard},
	}
	return p
}

// Run executes every guard in order, recovering from a panic in any
// single guard into a GUARD_INTERNAL_ERROR rejection (fail-closed)
// rather than letting it propagate or silently pass the command.
func (p *Pipeline) Run(ctx context.Context, bctx kernel.BusinessContext, cmd kernel.Command, view KernelView) (rej *kernel.Rejection) {
	for _, g := range p.guards {
		if r := runOne(ctx, bctx, cmd, view, g); r != nil {
			metrics.GuardRejections.WithLabelValues(g.name, r.Code).Inc()
			return r
		}
	}
	return nil
}

func runOne(ctx context.Context, bctx kernel.BusinessContext, cmd kernel.Command, view KernelView, g namedGuard) (rej *kernel.Rejection) {
	defer func() {
		if r := recover(); r != nil {
			rej = &kernel.Rejection{
				Code:       kernelerrors.CodeGuardInternalError,
				Message:    fmt.Sprintf("guard %q panicked: %v", g.name, r),
				PolicyName: g.name,
			}
		}
	}()
	rej = g.fn(ctx, bctx, cmd, view)
	if rej != nil && rej.PolicyName == "" {
		rej.PolicyName = g.name
	}
	return rej
}

func reject(code, message string) *kernel.Rejection {
	return &kernel.Rejection{Code: code, Message: message}
}

// 1. structural validation: schema presence checks the guard pipeline
// owns; deep payload-shape validation against a registered event type
// happens later, inside the engine handler via pkg/registry.
func structuralValidation(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, _ KernelView) *kernel.Rejection {
	if cmd.CommandID == "" || cmd.CommandType == "" {
		return reject(kernelerrors.CodeInvalidCommandStructure, "command_id and command_type are required")
	}
	if cmd.BusinessID == "" {
		return reject(kernelerrors.CodeMissingBusinessID, "business_id is required")
	}
	if cmd.SourceEngine == "" {
		return reject(kernelerrors.CodeInvalidCommandStructure, "source_engine is required")
	}
	return nil
}

// 2. actor guard
func actorGuard(_ context.Context, bctx kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	class, ok := view.CommandClass(cmd.CommandType)
	if !ok {
		return reject(kernelerrors.CodeUnknownCommand, "unknown command_type: "+cmd.CommandType)
	}
	if !class.ActorRequired {
		return nil
	}
	if cmd.Actor.ID == "" || cmd.Actor.Type == "" {
		return reject(kernelerrors.CodeActorRequiredMissing, "actor is required for this command")
	}
	authorized, err := view.IsActorAuthorized(cmd.BusinessID, cmd.BranchID, cmd.Actor)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	if !authorized {
		return reject(kernelerrors.CodeActorInvalid, "actor is not valid for this business/branch")
	}
	if class.AIForbidden && cmd.Actor.Type == kernel.ActorAI {
		return reject(kernelerrors.CodeAIExecutionForbidden, "command_type "+cmd.CommandType+" may not be executed by an AI actor")
	}
	return nil
}

// 3. scope guard
func scopeGuard(_ context.Context, bctx kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	class, ok := view.CommandClass(cmd.CommandType)
	if !ok {
		return reject(kernelerrors.CodeUnknownCommand, "unknown command_type: "+cmd.CommandType)
	}
	if class.ScopeBranch == ScopeBranchRequired {
		if cmd.BranchID == "" {
			return reject(kernelerrors.CodeBranchRequiredMissing, "branch_id is required for command_type "+cmd.CommandType)
		}
		exists, err := view.BranchExists(cmd.BusinessID, cmd.BranchID)
		if err != nil {
			return reject(kernelerrors.CodeGuardInternalError, err.Error())
		}
		if !exists {
			return reject(kernelerrors.CodeBranchNotInBusiness, "branch_id does not belong to business_id")
		}
	}
	return nil
}

// 4. business-state guard
func businessStateGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	state, err := view.BusinessState(cmd.BusinessID)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	switch state {
	case BusinessSuspended:
		return reject(kernelerrors.CodeBusinessSuspended, "business is suspended")
	case BusinessClosed:
		return reject(kernelerrors.CodeBusinessClosed, "business is closed")
	}
	return nil
}

// 5. feature-flag guard. Only command classes that declare a FlagKey
// are gated here: core kernel surfaces (the admin engine's own
// business/branch lifecycle, identity, compliance, and flag/mode
// administration commands) declare none, so they are never blocked by
// a flag that only they could ever set — there would otherwise be no
// way to bootstrap a business whose first command is itself the one
// that enables its feature flags.
func featureFlagGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	class, ok := view.CommandClass(cmd.CommandType)
	if !ok {
		return reject(kernelerrors.CodeUnknownCommand, "unknown command_type: "+cmd.CommandType)
	}
	if class.FlagKey == "" {
		return nil
	}
	flag, err := view.FeatureFlag(cmd.BusinessID, class.FlagKey, cmd.BranchID)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	if flag != FlagEnabled {
		return reject(kernelerrors.CodeFeatureDisabled, "feature "+class.FlagKey+" is not enabled for this business")
	}
	return nil
}

// 6. tenant-isolation guard
func tenantIsolationGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	authorized, err := view.IsActorAuthorized(cmd.BusinessID, "", cmd.Actor)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	if !authorized {
		return reject(kernelerrors.CodeActorUnauthorizedBiz, "actor is not authorized for business_id "+cmd.BusinessID)
	}
	if cmd.BranchID != "" {
		branchOK, err := view.IsActorAuthorized(cmd.BusinessID, cmd.BranchID, cmd.Actor)
		if err != nil {
			return reject(kernelerrors.CodeGuardInternalError, err.Error())
		}
		if !branchOK {
			return reject(kernelerrors.CodeActorUnauthorizedBranch, "actor is not authorized for branch_id "+cmd.BranchID)
		}
	}
	return nil
}

// 7. rate-limit guard
func rateLimitGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	ok, err := view.CheckRate(cmd.Actor.ID, cmd.BusinessID, cmd.Actor.Type)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	if !ok {
		return reject(kernelerrors.CodeQuotaExceeded, "rate limit exceeded for actor "+cmd.Actor.ID)
	}
	return nil
}

// 8. anomaly guard
func anomalyGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	ok, err := view.CheckAnomaly(cmd.BusinessID, cmd.Actor, cmd.CommandType)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	if !ok {
		return reject(kernelerrors.CodeQuotaExceeded, "anomalous command pattern detected")
	}
	return nil
}

// 9. resilience-mode guard
func resilienceModeGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	class, ok := view.CommandClass(cmd.CommandType)
	if !ok {
		return reject(kernelerrors.CodeUnknownCommand, "unknown command_type: "+cmd.CommandType)
	}
	mode, err := view.ResilienceMode(cmd.BusinessID)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	switch mode {
	case ModeReadOnly:
		return reject(kernelerrors.CodeReadOnlyMode, "business is in READ_ONLY resilience mode")
	case ModeDegraded:
		if !class.Essential {
			return reject(kernelerrors.CodeReadOnlyMode, "business is DEGRADED; only essential commands are accepted")
		}
	}
	return nil
}

// 10. compliance guard
func complianceGuard(_ context.Context, _ kernel.BusinessContext, cmd kernel.Command, view KernelView) *kernel.Rejection {
	profile, err := view.ComplianceProfile(cmd.BusinessID)
	if err != nil {
		return reject(kernelerrors.CodeGuardInternalError, err.Error())
	}
	return policy.Evaluate(profile, cmd)
}
