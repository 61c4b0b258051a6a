package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/majorsoln/bos/pkg/kernel"
)

// SnapshotStore persists projection.Projection snapshots and
// compliance profile tables over a plain database/sql connection
// opened through lib/pq, queried with sqlx's struct-scanning helpers
// rather than pgx — a deliberate second driver for the cold,
// low-frequency admin/replay path, kept independent of the hot
// event-append path's shared pgxpool.
type SnapshotStore struct {
	db *sqlx.DB
}

// Open connects to dsn via lib/pq and wraps the connection with sqlx.
func Open(dsn string) (*SnapshotStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: connect: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// NewSnapshotStore wraps an already-open sqlx connection.
func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Close releases the underlying connection.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

type snapshotRow struct {
	ProjectionName string    `db:"projection_name"`
	BusinessID     string    `db:"business_id"`
	ReceivedAt     time.Time `db:"received_at"`
	EventID        string    `db:"event_id"`
	Bytes          []byte    `db:"bytes"`
	TakenAt        time.Time `db:"taken_at"`
}

// Load implements replay.SnapshotStore. The schema keeps at most one
// row per (projection, business) — Save upserts it — so this is a
// direct point lookup, not a newest-of-many query.
func (s *SnapshotStore) Load(ctx context.Context, projectionName, businessID string) (kernel.Snapshot, bool, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT projection_name, business_id, received_at, event_id, bytes, taken_at
		FROM bos_snapshots
		WHERE projection_name = $1 AND business_id = $2`, projectionName, businessID)
	if errors.Is(err, sql.ErrNoRows) {
		return kernel.Snapshot{}, false, nil
	}
	if err != nil {
		return kernel.Snapshot{}, false, fmt.Errorf("snapshot store: load %s/%s: %w", projectionName, businessID, err)
	}
	return kernel.Snapshot{
		ProjectionName: row.ProjectionName,
		BusinessID:     row.BusinessID,
		Cursor:         kernel.Cursor{ReceivedAt: row.ReceivedAt, EventID: row.EventID},
		Bytes:          row.Bytes,
		TakenAt:        row.TakenAt,
	}, true, nil
}

// Save implements replay.SnapshotStore, upserting the one tracked
// snapshot row for (projection, business): each Save supersedes the
// previous capture rather than accumulating history.
func (s *SnapshotStore) Save(ctx context.Context, snap kernel.Snapshot) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO bos_snapshots (projection_name, business_id, received_at, event_id, bytes, taken_at)
		VALUES (:projection_name, :business_id, :received_at, :event_id, :bytes, :taken_at)
		ON CONFLICT (projection_name, business_id) DO UPDATE SET
			received_at = EXCLUDED.received_at,
			event_id    = EXCLUDED.event_id,
			bytes       = EXCLUDED.bytes,
			taken_at    = EXCLUDED.taken_at
	`, snapshotRow{
		ProjectionName: snap.ProjectionName,
		BusinessID:     snap.BusinessID,
		ReceivedAt:     snap.Cursor.ReceivedAt,
		EventID:        snap.Cursor.EventID,
		Bytes:          snap.Bytes,
		TakenAt:        snap.TakenAt,
	})
	if err != nil {
		return fmt.Errorf("snapshot store: save %s/%s: %w", snap.ProjectionName, snap.BusinessID, err)
	}
	return nil
}

// ComplianceProfileRow mirrors one row of the durable
// compliance_profile table: the ComplianceStore projection (C12) is
// the live read path; this table is the durable backing a fresh
// process reloads from before replaying any events at all, matching
// the pack's pattern of pairing an in-memory projection with a
// durable table for cold-start recovery.
type ComplianceProfileRow struct {
	BusinessID string `db:"business_id"`
	Name       string `db:"name"`
	Active     bool   `db:"active"`
	RulesJSON  []byte `db:"rules_json"`
}

// UpsertComplianceProfile persists the durable copy of a compliance
// profile row, keyed by business_id.
func (s *SnapshotStore) UpsertComplianceProfile(ctx context.Context, row ComplianceProfileRow) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO bos_compliance_profiles (business_id, name, active, rules_json)
		VALUES (:business_id, :name, :active, :rules_json)
		ON CONFLICT (business_id) DO UPDATE SET
			name = EXCLUDED.name, active = EXCLUDED.active, rules_json = EXCLUDED.rules_json
	`, row)
	if err != nil {
		return fmt.Errorf("snapshot store: upsert compliance profile %s: %w", row.BusinessID, err)
	}
	return nil
}

// LoadComplianceProfiles returns every durable compliance profile row,
// used to seed the ComplianceStore projection on cold start ahead of
// any replay.
func (s *SnapshotStore) LoadComplianceProfiles(ctx context.Context) ([]ComplianceProfileRow, error) {
	var rows []ComplianceProfileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT business_id, name, active, rules_json FROM bos_compliance_profiles`); err != nil {
		return nil, fmt.Errorf("snapshot store: load compliance profiles: %w", err)
	}
	return rows, nil
}
