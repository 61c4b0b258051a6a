// Package postgres implements internal/store.Store on top of a shared
// pgxpool.Pool, grounded on the retrieval pack's per-tenant advisory
// lock pattern for serializing hash-chain appends and its shared-pool
// wiring convention (one *pgxpool.Pool reused by every storage
// concern, never a private pool per component).
package postgres

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
)

// Store is the Postgres-backed event store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an already-connected pool. The pool is expected to be
// shared with any other storage concern the kernel process owns
// (projection checkpoints, audit reads), matching the pack's
// single-shared-pool convention.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// businessLockID derives a deterministic advisory-lock key from a
// business_id so concurrent Append calls for the same business
// serialize on the same Postgres session-level lock, and different
// businesses never contend with each other.
func businessLockID(businessID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(businessID))
	b := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(b))
}

// Append implements store.Store. The whole batch commits inside one
// transaction, guarded by a per-business advisory lock so two
// concurrent writers for the same business can never fork the chain;
// writers for different businesses never block one another.
func (s *Store) Append(ctx context.Context, businessID string, events []kernel.Event) (store.AppendResult, error) {
	start := time.Now()
	defer func() {
		metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}()

	if businessID == "" {
		return store.AppendResult{}, fmt.Errorf("%s", kernelerrors.CodeMissingBusinessID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("%s: begin tx: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", businessLockID(businessID)); err != nil {
		return store.AppendResult{}, fmt.Errorf("%s: advisory lock: %w", kernelerrors.CodeStoreUnavailable, err)
	}

	var replayActive bool
	err = tx.QueryRow(ctx, `SELECT replay_active FROM bos_business_chain WHERE business_id = $1`, businessID).Scan(&replayActive)
	if err != nil && err != pgx.ErrNoRows {
		return store.AppendResult{}, fmt.Errorf("%s: read chain state: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	if replayActive {
		return store.AppendResult{}, kernelerrors.ErrReplayIsolation
	}

	tip, err := s.chainTipTx(ctx, tx, businessID)
	if err != nil {
		return store.AppendResult{}, err
	}

	result := store.AppendResult{
		Events:   make([]kernel.Event, len(events)),
		Inserted: make([]bool, len(events)),
	}

	runningTip := tip
	for i, ev := range events {
		if ev.BusinessID != businessID {
			return store.AppendResult{}, fmt.Errorf("event %d: %s", i, kernelerrors.CodeMissingBusinessID)
		}

		existing, found, err := s.lookupByIDTx(ctx, tx, businessID, ev.EventID)
		if err != nil {
			return store.AppendResult{}, err
		}
		if found {
			if existing.EventHash != ev.EventHash {
				return store.AppendResult{}, fmt.Errorf("%s: %s", kernelerrors.CodeIdempotencyConflict, ev.EventID)
			}
			result.Events[i] = existing
			result.Inserted[i] = false
			continue
		}

		if ev.PreviousEventHash != runningTip {
			return store.AppendResult{}, fmt.Errorf("%s: business=%s event=%s", kernelerrors.CodeChainMismatch, businessID, ev.EventID)
		}

		stored, err := s.insertEventTx(ctx, tx, ev)
		if err != nil {
			return store.AppendResult{}, err
		}
		result.Events[i] = stored
		result.Inserted[i] = true
		runningTip = stored.EventHash
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bos_business_chain (business_id, chain_tip, replay_active)
		VALUES ($1, $2, false)
		ON CONFLICT (business_id) DO UPDATE SET chain_tip = EXCLUDED.chain_tip
	`, businessID, runningTip); err != nil {
		return store.AppendResult{}, fmt.Errorf("%s: update chain tip: %w", kernelerrors.CodeStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.AppendResult{}, fmt.Errorf("%s: commit: %w", kernelerrors.CodeStoreUnavailable, err)
	}

	metrics.EventsAppended.Add(float64(countInserted(result.Inserted)))
	return result, nil
}

func countInserted(ins []bool) int {
	n := 0
	for _, b := range ins {
		if b {
			n++
		}
	}
	return n
}

// insertEventTx inserts ev and returns it with ReceivedAt populated
// from Postgres's transaction-local clock_timestamp(); serializing
// commits through the per-business advisory lock held for the whole
// transaction guarantees received_at is monotonic within a business
// without the caller needing to inject a clock here.
func (s *Store) insertEventTx(ctx context.Context, tx pgx.Tx, ev kernel.Event) (kernel.Event, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return kernel.Event{}, fmt.Errorf("%s: marshal payload: %w", kernelerrors.CodeEncodingError, err)
	}

	var refType, refID string
	if ev.Reference != nil {
		refType, refID = ev.Reference.ObjectType, ev.Reference.ObjectID
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO bos_events (
			event_id, event_type, event_version, business_id, branch_id,
			source_engine, actor_type, actor_id, correlation_id, causation_id,
			payload, reference_type, reference_id, created_at, received_at,
			status, correction_of, previous_event_hash, event_hash
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10,
			$11,$12,$13,$14, clock_timestamp(),
			$15,$16,$17,$18
		)
		RETURNING received_at`,
		ev.EventID, ev.EventType, ev.EventVersion, ev.BusinessID, ev.BranchID,
		ev.SourceEngine, string(ev.Actor.Type), ev.Actor.ID, ev.CorrelationID, ev.CausationID,
		payloadJSON, refType, refID, ev.CreatedAt,
		string(ev.Status), ev.CorrectionOf, ev.PreviousEventHash, ev.EventHash,
	)
	var receivedAt time.Time
	if err := row.Scan(&receivedAt); err != nil {
		return kernel.Event{}, fmt.Errorf("%s: insert event: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	ev.ReceivedAt = receivedAt.UTC()
	return ev, nil
}

func (s *Store) lookupByIDTx(ctx context.Context, tx pgx.Tx, businessID, eventID string) (kernel.Event, bool, error) {
	ev, err := scanEventRow(tx.QueryRow(ctx, eventSelectColumns+`
		FROM bos_events WHERE business_id = $1 AND event_id = $2`, businessID, eventID))
	if err == pgx.ErrNoRows {
		return kernel.Event{}, false, nil
	}
	if err != nil {
		return kernel.Event{}, false, fmt.Errorf("%s: lookup event: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	return ev, true, nil
}

func (s *Store) chainTipTx(ctx context.Context, tx pgx.Tx, businessID string) (string, error) {
	var tip string
	err := tx.QueryRow(ctx, `SELECT chain_tip FROM bos_business_chain WHERE business_id = $1`, businessID).Scan(&tip)
	if err == pgx.ErrNoRows {
		return kernel.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: read chain tip: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	return tip, nil
}

// ChainTip implements store.Store.
func (s *Store) ChainTip(ctx context.Context, businessID string) (string, error) {
	var tip string
	err := s.pool.QueryRow(ctx, `SELECT chain_tip FROM bos_business_chain WHERE business_id = $1`, businessID).Scan(&tip)
	if err == pgx.ErrNoRows {
		return kernel.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	return tip, nil
}

// SetReplayActive implements store.Store.
func (s *Store) SetReplayActive(ctx context.Context, businessID string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bos_business_chain (business_id, chain_tip, replay_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_id) DO UPDATE SET replay_active = EXCLUDED.replay_active
	`, businessID, kernel.Genesis, active)
	if err != nil {
		return fmt.Errorf("%s: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	return nil
}

const eventSelectColumns = `
	SELECT event_id, event_type, event_version, business_id, branch_id,
	       source_engine, actor_type, actor_id, correlation_id, causation_id,
	       payload, reference_type, reference_id, created_at, received_at,
	       status, correction_of, previous_event_hash, event_hash`

func scanEventRow(row pgx.Row) (kernel.Event, error) {
	var ev kernel.Event
	var branchID, causationID, refType, refID, correctionOf string
	var actorType, actorID string
	var payloadJSON []byte
	err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.EventVersion, &ev.BusinessID, &branchID,
		&ev.SourceEngine, &actorType, &actorID, &ev.CorrelationID, &causationID,
		&payloadJSON, &refType, &refID, &ev.CreatedAt, &ev.ReceivedAt,
		&ev.Status, &correctionOf, &ev.PreviousEventHash, &ev.EventHash,
	)
	if err != nil {
		return kernel.Event{}, err
	}
	ev.BranchID = branchID
	ev.CausationID = causationID
	ev.CorrectionOf = correctionOf
	ev.Actor = kernel.ActorRef{Type: kernel.ActorType(actorType), ID: actorID}
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	if refType != "" || refID != "" {
		ev.Reference = &kernel.Reference{ObjectType: refType, ObjectID: refID}
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return kernel.Event{}, fmt.Errorf("%s: unmarshal payload: %w", kernelerrors.CodeEncodingError, err)
	}
	return ev, nil
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, businessID string, opts store.ReadOptions) (store.ReadResult, error) {
	query := eventSelectColumns + ` FROM bos_events WHERE business_id = $1`
	args := []any{businessID}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND received_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND received_at <= $%d", len(args))
	}
	if opts.Cursor != nil {
		args = append(args, opts.Cursor.ReceivedAt, opts.Cursor.EventID)
		query += fmt.Sprintf(" AND (received_at, event_id) > ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY received_at ASC, event_id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.ReadResult{}, fmt.Errorf("%s: read: %w", kernelerrors.CodeStoreUnavailable, err)
	}
	defer rows.Close()

	var events []kernel.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return store.ReadResult{}, fmt.Errorf("%s: scan: %w", kernelerrors.CodeStoreUnavailable, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return store.ReadResult{}, fmt.Errorf("%s: iteration: %w", kernelerrors.CodeStoreUnavailable, err)
	}

	result := store.ReadResult{Events: events}
	if opts.Limit > 0 && len(events) == opts.Limit {
		last := events[len(events)-1]
		nc := kernel.Cursor{ReceivedAt: last.ReceivedAt, EventID: last.EventID}
		result.NextCursor = &nc
	}
	return result, nil
}
