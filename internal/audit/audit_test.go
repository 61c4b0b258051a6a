package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/internal/store"
	memstore "github.com/majorsoln/bos/internal/store/memory"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/registry"
)

func newTestStore(t *testing.T) (*memstore.Store, clock.Clock) {
	t.Helper()
	reg := registry.New()
	for _, et := range []string{EventRejectionRecorded, EventEntryRecorded, EventConsentRecorded, EventAIDecisionRecorded} {
		require.NoError(t, reg.Register(registry.EventType{Name: et, Version: 1}))
	}
	reg.Freeze()
	c := clock.Sequence(time.Unix(3000, 0), time.Second)
	return memstore.New(c, reg), c
}

func TestRecordRejectionAppendsChainedEvent(t *testing.T) {
	st, c := newTestStore(t)
	logger := New(st, c, nil)

	cmd := kernel.Command{CommandID: "c1", CommandType: "demo.v1", BusinessID: "biz-1", Actor: kernel.ActorRef{Type: kernel.ActorHuman, ID: "u1"}}
	rej := &kernel.Rejection{Code: "FEATURE_DISABLED", Message: "disabled", PolicyName: "feature_flag_guard"}

	require.NoError(t, logger.RecordRejection(context.Background(), "biz-1", cmd, rej))

	tip, err := st.ChainTip(context.Background(), "biz-1")
	require.NoError(t, err)
	assert.NotEqual(t, kernel.Genesis, tip)

	res, err := st.Read(context.Background(), "biz-1", store.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventRejectionRecorded, res.Events[0].EventType)
	assert.Equal(t, "FEATURE_DISABLED", res.Events[0].Payload["code"])
}

func TestRejectionAuditingDisabledByComplianceProfile(t *testing.T) {
	compliance := NewComplianceStore()
	require.NoError(t, compliance.Apply(kernel.Event{
		BusinessID: "biz-1",
		EventType:  EventComplianceProfileUpserted,
		Payload:    map[string]any{"name": "strict", "audit_rejections": false},
	}))

	st, c := newTestStore(t)
	logger := New(st, c, compliance)
	assert.False(t, logger.RejectionAuditingEnabled("biz-1"))
	assert.True(t, logger.RejectionAuditingEnabled("biz-2"))
}

func TestComplianceStoreDeactivateKeepsRulesButClearsActive(t *testing.T) {
	s := NewComplianceStore()
	require.NoError(t, s.Apply(kernel.Event{
		BusinessID: "biz-1",
		EventType:  EventComplianceProfileUpserted,
		Payload:    map[string]any{"name": "strict", "rules": []any{map[string]any{"name": "r1", "kind": "require", "field": "amount"}}},
	}))
	require.NoError(t, s.Apply(kernel.Event{BusinessID: "biz-1", EventType: EventComplianceProfileDeactivated}))

	profile, err := s.ComplianceProfile("biz-1")
	require.NoError(t, err)
	assert.False(t, profile.Active)
	assert.Len(t, profile.Rules, 1)
}
