package eventschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/pkg/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterBindsEveryBuiltinEventType(t *testing.T) {
	reg := newRegistry(t)
	for _, name := range []string{
		"feature_flag.set.v1", "feature_flag.clear.v1",
		"compliance_profile.upserted.v1", "compliance_profile.deactivated.v1",
		"resilience.mode.set.v1",
		"identity.role.assigned.v1", "identity.role.revoked.v1",
		"api_key.issued.v1", "api_key.revoked.v1",
		"business.created.v1", "business.suspended.v1",
		"business.reactivated.v1", "business.closed.v1",
		"branch.added.v1", "branch.closed.v1",
		"rejection.recorded.v1", "audit.entry.recorded.v1",
		"consent.recorded.v1", "ai.decision.recorded.v1",
	} {
		_, ok := reg.Lookup(name)
		assert.Truef(t, ok, "expected %s to be registered", name)
	}
}

func TestValidatePayloadRejectsMalformedFeatureFlagPayload(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("feature_flag.set.v1", map[string]any{})
	assert.Error(t, err, "flag_key is required")
}

func TestValidatePayloadAcceptsWellFormedFeatureFlagPayload(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("feature_flag.set.v1", map[string]any{"flag_key": "cash.drawer"})
	assert.NoError(t, err)
}

func TestValidatePayloadRejectsUnknownResilienceMode(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("resilience.mode.set.v1", map[string]any{"mode": "PAUSED"})
	assert.Error(t, err, "mode must be one of the declared oneof values")
}

func TestValidatePayloadAcceptsKnownResilienceMode(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("resilience.mode.set.v1", map[string]any{"mode": "DEGRADED"})
	assert.NoError(t, err)
}

func TestValidatePayloadRejectsIncompleteRoleAssignment(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("identity.role.assigned.v1", map[string]any{"actor_id": "u1"})
	assert.Error(t, err, "role is required")
}

func TestValidatePayloadAllowsFreeformJournalEntries(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("consent.recorded.v1", map[string]any{"anything": "goes"})
	assert.NoError(t, err)
}

func TestValidatePayloadRejectsBranchEventMissingBranchID(t *testing.T) {
	reg := newRegistry(t)
	err := reg.ValidatePayload("branch.added.v1", map[string]any{})
	assert.Error(t, err)
}
