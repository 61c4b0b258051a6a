package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/pkg/kernel"
)

func newMockSnapshotStore(t *testing.T) (*SnapshotStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSnapshotStore(sqlx.NewDb(db, "postgres")), mock
}

func TestSnapshotStoreLoadReturnsFalseOnNoRows(t *testing.T) {
	s, mock := newMockSnapshotStore(t)
	mock.ExpectQuery("SELECT projection_name").
		WithArgs("feature_flags", "biz-1").
		WillReturnRows(sqlmock.NewRows(nil))

	_, ok, err := s.Load(context.Background(), "feature_flags", "biz-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotStoreLoadScansRow(t *testing.T) {
	s, mock := newMockSnapshotStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"projection_name", "business_id", "received_at", "event_id", "bytes", "taken_at"}).
		AddRow("feature_flags", "biz-1", now, "evt-9", []byte(`{}`), now)
	mock.ExpectQuery("SELECT projection_name").
		WithArgs("feature_flags", "biz-1").
		WillReturnRows(rows)

	snap, ok, err := s.Load(context.Background(), "feature_flags", "biz-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "feature_flags", snap.ProjectionName)
	assert.Equal(t, "evt-9", snap.Cursor.EventID)
}

func TestSnapshotStoreSaveUpserts(t *testing.T) {
	s, mock := newMockSnapshotStore(t)
	mock.ExpectExec("INSERT INTO bos_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Save(context.Background(), kernel.Snapshot{
		ProjectionName: "feature_flags",
		BusinessID:     "biz-1",
		Bytes:          []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertComplianceProfile(t *testing.T) {
	s, mock := newMockSnapshotStore(t)
	mock.ExpectExec("INSERT INTO bos_compliance_profiles").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertComplianceProfile(context.Background(), ComplianceProfileRow{
		BusinessID: "biz-1", Name: "default", Active: true, RulesJSON: []byte(`[]`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
