// Package bus implements the command bus and dispatcher (component
// C6): the single lawful write path executed in the exact nine-step
// order of the kernel specification, using a striped per-business
// mutex for the single-writer-per-tenant rule and an ants.Pool worker
// for cross-tenant concurrency.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/obslog"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/internal/subscriber"
	"github.com/majorsoln/bos/pkg/canon"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
	"github.com/majorsoln/bos/pkg/policy"
	"github.com/majorsoln/bos/pkg/registry"
	"go.uber.org/zap"
)

// EventDraft is what an engine Handler returns: everything about a
// candidate event except the chain-linkage fields (event_id,
// previous_event_hash, event_hash, received_at), which only the bus
// is allowed to compute.
type EventDraft struct {
	EventType    string
	EventVersion uint32
	Payload      map[string]any
	Reference    *kernel.Reference
	Status       kernel.EventStatus
	CorrectionOf string
}

// HandlerView is the read-only capability set passed into a Handler:
// the injected clock and a named-projection reader. Handlers must
// treat both as pure inputs; neither may be mutated.
type HandlerView struct {
	Now        func() time.Time
	Projection func(name string) (projection.Projection, bool)
}

// Handler is a pure function from (command, view) to candidate
// events, or a Rejection if the engine itself refuses the command
// (business-rule rejections distinct from the guard pipeline's
// structural/policy rejections).
type Handler func(ctx context.Context, cmd kernel.Command, view HandlerView) ([]EventDraft, *kernel.Rejection)

// CommandSpec binds a command_type to its guard classification and handler.
type CommandSpec struct {
	Class   guard.CommandClass
	Handler Handler
}

// EngineRegistration is what an engine contributes at boot: the
// command types it serves and (elsewhere) the event types and
// projections it registers with pkg/registry and internal/projection.
type EngineRegistration struct {
	Name     string
	Commands map[string]CommandSpec
}

// ExternalView supplies every guard.KernelView method except
// CommandClass, which the Bus itself answers from its own handler
// registry — this keeps resilience/compliance/rate-limit/identity
// wiring decoupled from the bus's command table.
type ExternalView interface {
	IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error)
	BusinessState(businessID string) (guard.BusinessState, error)
	BranchExists(businessID, branchID string) (bool, error)
	FeatureFlag(businessID, flagKey, branchID string) (guard.FlagState, error)
	ResilienceMode(businessID string) (guard.ResilienceMode, error)
	ComplianceProfile(businessID string) (policy.Profile, error)
	CheckRate(actorID, businessID string, actorType kernel.ActorType) (bool, error)
	CheckAnomaly(businessID string, actor kernel.ActorRef, commandType string) (bool, error)
}

// AuditSink receives rejection records when a business has
// rejection auditing enabled. Implemented by internal/audit.
type AuditSink interface {
	RecordRejection(ctx context.Context, businessID string, cmd kernel.Command, rej *kernel.Rejection) error
	RejectionAuditingEnabled(businessID string) bool
}

// Bus wires together the store, registry, guard pipeline, projection
// runtime, and subscriber bus behind the single Dispatch entry point.
type Bus struct {
	store       store.Store
	registry    *registry.Registry
	guards      *guard.Pipeline
	projections *projection.Runtime
	subscribers *subscriber.Bus
	clock       clock.Clock
	ext         ExternalView
	audit       AuditSink

	handlers map[string]CommandSpec
	locks    *lockTable
	pool     *workerPool
}

// Config collects Bus construction dependencies.
type Config struct {
	Store       store.Store
	Registry    *registry.Registry
	Projections *projection.Runtime
	Subscribers *subscriber.Bus
	Clock       clock.Clock
	External    ExternalView
	Audit       AuditSink
	PoolSize    int
}

// New builds a Bus ready for engine registration.
func New(cfg Config) (*Bus, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}
	pool, err := newWorkerPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("bus: create worker pool: %w", err)
	}
	b := &Bus{
		store:       cfg.Store,
		registry:    cfg.Registry,
		guards:      guard.New(),
		projections: cfg.Projections,
		subscribers: cfg.Subscribers,
		clock:       cfg.Clock,
		ext:         cfg.External,
		audit:       cfg.Audit,
		handlers:    make(map[string]CommandSpec),
		locks:       newLockTable(),
		pool:        pool,
	}
	return b, nil
}

// RegisterEngine adds every command_type an engine serves. Must
// complete before Dispatch is ever called for that command_type.
func (b *Bus) RegisterEngine(reg EngineRegistration) error {
	for ct, spec := range reg.Commands {
		if _, exists := b.handlers[ct]; exists {
			return fmt.Errorf("bus: command_type %q already registered", ct)
		}
		if spec.Class.EngineName == "" {
			spec.Class.EngineName = reg.Name
		}
		b.handlers[ct] = spec
	}
	return nil
}

// Close releases the worker pool.
func (b *Bus) Close() {
	b.pool.release()
}

// kernelView adapts a Bus + ExternalView into a guard.KernelView.
type kernelView struct {
	bus *Bus
	ext ExternalView
}

func (v *kernelView) CommandClass(commandType string) (guard.CommandClass, bool) {
	spec, ok := v.bus.handlers[commandType]
	if !ok {
		return guard.CommandClass{}, false
	}
	return spec.Class, true
}
func (v *kernelView) IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error) {
	return v.ext.IsActorAuthorized(businessID, branchID, actor)
}
func (v *kernelView) BusinessState(businessID string) (guard.BusinessState, error) {
	return v.ext.BusinessState(businessID)
}
func (v *kernelView) BranchExists(businessID, branchID string) (bool, error) {
	return v.ext.BranchExists(businessID, branchID)
}
func (v *kernelView) FeatureFlag(businessID, flagKey, branchID string) (guard.FlagState, error) {
	return v.ext.FeatureFlag(businessID, flagKey, branchID)
}
func (v *kernelView) ResilienceMode(businessID string) (guard.ResilienceMode, error) {
	return v.ext.ResilienceMode(businessID)
}
func (v *kernelView) ComplianceProfile(businessID string) (policy.Profile, error) {
	return v.ext.ComplianceProfile(businessID)
}
func (v *kernelView) CheckRate(actorID, businessID string, actorType kernel.ActorType) (bool, error) {
	return v.ext.CheckRate(actorID, businessID, actorType)
}
func (v *kernelView) CheckAnomaly(businessID string, actor kernel.ActorRef, commandType string) (bool, error) {
	return v.ext.CheckAnomaly(businessID, actor, commandType)
}

// Dispatch runs the nine-step algorithm for a single command,
// serialized against every other command for the same business_id.
func (b *Bus) Dispatch(ctx context.Context, cmd kernel.Command) (kernel.Outcome, error) {
	start := time.Now()
	accepted := false
	defer func() {
		metrics.CommandDuration.WithLabelValues(cmd.CommandType, fmt.Sprintf("%v", accepted)).Observe(time.Since(start).Seconds())
	}()

	// Step 1: resolve handler.
	spec, ok := b.handlers[cmd.CommandType]
	if !ok {
		return kernel.Rejected(kernelerrors.CodeUnknownCommand, "unknown command_type: "+cmd.CommandType, ""), nil
	}

	// Step 2: build context.
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	bctx := kernel.BusinessContext{
		BusinessID:    cmd.BusinessID,
		BranchID:      cmd.BranchID,
		Actor:         cmd.Actor,
		CorrelationID: correlationID,
	}

	lock := b.locks.forBusiness(cmd.BusinessID)
	lock.Lock()
	defer lock.Unlock()

	view := &kernelView{bus: b, ext: b.ext}

	// Step 3: guard pipeline.
	if rej := b.guards.Run(ctx, bctx, cmd, view); rej != nil {
		b.recordRejection(ctx, cmd, rej)
		return kernel.Outcome{Rejection: rej}, nil
	}

	// Step 4: invoke handler.
	hview := HandlerView{
		Now: b.clock.Now,
		Projection: func(name string) (projection.Projection, bool) {
			return b.projections.Get(name)
		},
	}
	drafts, rej := spec.Handler(ctx, cmd, hview)
	if rej != nil {
		b.recordRejection(ctx, cmd, rej)
		return kernel.Outcome{Rejection: rej}, nil
	}

	// Steps 5-6: chain-link, hash, and atomically append.
	events, err := b.materialize(cmd, correlationID, drafts)
	if err != nil {
		return kernel.Outcome{}, err
	}
	result, err := b.store.Append(ctx, cmd.BusinessID, events)
	if err != nil {
		return kernel.Outcome{}, err
	}

	// Step 7: apply to projections.
	for _, ev := range result.Events {
		if err := b.projections.Apply(ev); err != nil {
			obslog.L().Error("projection apply failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}

	accepted = true

	// Step 9: subscriber bus, after commit, never rolling back.
	if b.subscribers != nil {
		b.subscribers.Dispatch(ctx, result.Events)
	}

	// Step 8.
	return kernel.Accepted(result.Events), nil
}

// DispatchAsync submits Dispatch to the cross-tenant worker pool and
// returns a channel receiving exactly one result.
func (b *Bus) DispatchAsync(ctx context.Context, cmd kernel.Command) <-chan DispatchResult {
	out := make(chan DispatchResult, 1)
	err := b.pool.submit(ctx, func() {
		outcome, err := b.Dispatch(ctx, cmd)
		out <- DispatchResult{Outcome: outcome, Err: err}
		close(out)
	})
	if err != nil {
		out <- DispatchResult{Err: err}
		close(out)
	}
	return out
}

// DispatchResult is the result delivered on DispatchAsync's channel.
type DispatchResult struct {
	Outcome kernel.Outcome
	Err     error
}

func (b *Bus) recordRejection(ctx context.Context, cmd kernel.Command, rej *kernel.Rejection) {
	if b.audit == nil || !b.audit.RejectionAuditingEnabled(cmd.BusinessID) {
		return
	}
	if err := b.audit.RecordRejection(ctx, cmd.BusinessID, cmd, rej); err != nil {
		obslog.L().Warn("rejection audit record failed", zap.Error(err))
	}
}

// materialize assigns event_id, previous_event_hash, event_hash, and
// created_at to each draft in order, chaining each to the previous
// draft in the same batch (or to the business's current chain tip
// for the first draft).
func (b *Bus) materialize(cmd kernel.Command, correlationID string, drafts []EventDraft) ([]kernel.Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	tip, err := b.store.ChainTip(context.Background(), cmd.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	now := b.clock.Now()

	events := make([]kernel.Event, len(drafts))
	for i, d := range drafts {
		if b.registry != nil {
			if _, ok := b.registry.Lookup(d.EventType); !ok {
				return nil, fmt.Errorf("%s: %s", kernelerrors.CodeUnknownEventType, d.EventType)
			}
			if err := b.registry.ValidatePayload(d.EventType, d.Payload); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", kernelerrors.CodeInvalidCommandStructure, d.EventType, err)
			}
		}
		status := d.Status
		if status == "" {
			status = kernel.StatusFinal
		}
		eventID := deterministicEventID(cmd, i)
		header := canon.StableHeader{
			EventID:          eventID,
			EventType:        d.EventType,
			EventVersion:     d.EventVersion,
			BusinessID:       cmd.BusinessID,
			BranchID:         cmd.BranchID,
			CreatedAtRFC3339: now.UTC().Format(time.RFC3339Nano),
			CorrelationID:    correlationID,
			CausationID:      cmd.CommandID,
			CorrectionOf:     d.CorrectionOf,
			Status:           string(status),
		}
		hash, err := canon.Hash(d.Payload, tip, header)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kernelerrors.CodeEncodingError, err)
		}
		events[i] = kernel.Event{
			EventID:           eventID,
			EventType:         d.EventType,
			EventVersion:      d.EventVersion,
			BusinessID:        cmd.BusinessID,
			BranchID:          cmd.BranchID,
			SourceEngine:      cmd.SourceEngine,
			Actor:             cmd.Actor,
			CorrelationID:     correlationID,
			CausationID:       cmd.CommandID,
			Payload:           d.Payload,
			Reference:         d.Reference,
			CreatedAt:         now,
			Status:            status,
			CorrectionOf:      d.CorrectionOf,
			PreviousEventHash: tip,
			EventHash:         hash,
		}
		tip = hash
	}
	return events, nil
}

// deterministicEventID derives a stable event_id from the idempotency
// key (when the command declares one) so that resubmitting the exact
// same command naturally dedups at the store layer without the bus
// needing a separate idempotency cache: the store's own "same
// event_id, same payload → unchanged" rule does the work.
func deterministicEventID(cmd kernel.Command, index int) string {
	if cmd.IdempotencyKey != "" {
		return fmt.Sprintf("idem:%s:%s:%d", cmd.BusinessID, cmd.IdempotencyKey, index)
	}
	return uuid.NewString()
}
