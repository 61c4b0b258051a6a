// Package audit implements the audit and decision journal (component
// C12). Audit entries are not a parallel log: they are ordinary
// events (audit.entry.recorded.v1, consent.recorded.v1,
// ai.decision.recorded.v1, rejection.recorded.v1) appended to the same
// hash-chained store as every other event, so the journal gets chain
// integrity for free from the event store rather than maintaining its
// own hash chain the way the teacher's audit.HashChain does.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/majorsoln/bos/pkg/canon"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
)

const (
	EventRejectionRecorded = "rejection.recorded.v1"
	EventEntryRecorded     = "audit.entry.recorded.v1"
	EventConsentRecorded   = "consent.recorded.v1"
	EventAIDecisionRecorded = "ai.decision.recorded.v1"
)

// Logger records audit entries as events, appended directly to the
// event store rather than routed through the guarded command path:
// these are records of the kernel's own activity, not tenant-issued
// commands, so they are never subject to the guard pipeline.
type Logger struct {
	store      store.Store
	clock      clock.Clock
	compliance *ComplianceStore
	locks      *lockTable
}

// New builds a Logger. compliance may be nil, in which case rejection
// auditing is always enabled.
func New(st store.Store, c clock.Clock, compliance *ComplianceStore) *Logger {
	return &Logger{store: st, clock: c, compliance: compliance, locks: newLockTable()}
}

// RejectionAuditingEnabled implements bus.AuditSink.
func (l *Logger) RejectionAuditingEnabled(businessID string) bool {
	if l.compliance == nil {
		return true
	}
	return !l.compliance.AuditRejectionsDisabled(businessID)
}

// RecordRejection implements bus.AuditSink: a structured record of a
// command the kernel refused, named by the rejection code and the
// guard or policy that produced it.
func (l *Logger) RecordRejection(ctx context.Context, businessID string, cmd kernel.Command, rej *kernel.Rejection) error {
	payload := map[string]any{
		"command_id":   cmd.CommandID,
		"command_type": cmd.CommandType,
		"actor_id":     cmd.Actor.ID,
		"actor_type":   string(cmd.Actor.Type),
		"code":         rej.Code,
		"message":      rej.Message,
		"policy_name":  rej.PolicyName,
	}
	return l.append(ctx, businessID, cmd.BranchID, EventRejectionRecorded, payload)
}

// RecordConsent appends a consent.recorded.v1 entry.
func (l *Logger) RecordConsent(ctx context.Context, businessID, branchID string, payload map[string]any) error {
	return l.append(ctx, businessID, branchID, EventConsentRecorded, payload)
}

// RecordAIDecision appends an ai.decision.recorded.v1 entry, the
// explainability record required whenever an AI actor's recommendation
// influences an accepted command.
func (l *Logger) RecordAIDecision(ctx context.Context, businessID, branchID string, payload map[string]any) error {
	return l.append(ctx, businessID, branchID, EventAIDecisionRecorded, payload)
}

// RecordEntry appends a generic audit.entry.recorded.v1 entry.
func (l *Logger) RecordEntry(ctx context.Context, businessID, branchID string, payload map[string]any) error {
	return l.append(ctx, businessID, branchID, EventEntryRecorded, payload)
}

func (l *Logger) append(ctx context.Context, businessID, branchID, eventType string, payload map[string]any) error {
	lock := l.locks.forBusiness(businessID)
	lock.Lock()
	defer lock.Unlock()

	tip, err := l.store.ChainTip(ctx, businessID)
	if err != nil {
		return fmt.Errorf("%s: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	now := l.clock.Now()
	eventID := uuid.NewString()
	header := canon.StableHeader{
		EventID:          eventID,
		EventType:        eventType,
		EventVersion:     1,
		BusinessID:       businessID,
		BranchID:         branchID,
		CreatedAtRFC3339: now.UTC().Format(time.RFC3339Nano),
		CorrelationID:    eventID,
		Status:           string(kernel.StatusFinal),
	}
	hash, err := canon.Hash(payload, tip, header)
	if err != nil {
		return fmt.Errorf("%s: %w", kernelerrors.CodeEncodingError, err)
	}
	event := kernel.Event{
		EventID:           eventID,
		EventType:         eventType,
		EventVersion:      1,
		BusinessID:        businessID,
		BranchID:          branchID,
		SourceEngine:      "audit",
		Actor:             kernel.ActorRef{Type: kernel.ActorSystem, ID: "audit"},
		CorrelationID:     eventID,
		Payload:           payload,
		CreatedAt:         now,
		Status:            kernel.StatusFinal,
		PreviousEventHash: tip,
		EventHash:         hash,
	}
	_, err = l.store.Append(ctx, businessID, []kernel.Event{event})
	return err
}
