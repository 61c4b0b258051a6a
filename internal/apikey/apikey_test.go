package apikey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/pkg/kernel"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	s := NewSigner(SignerConfig{SigningKey: []byte("test-secret"), Issuer: "bos"})
	token, tokenID, expiresAt, err := s.Issue("biz-1", "actor-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, tokenID)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := s.Parse(token, nil)
	require.NoError(t, err)
	assert.Equal(t, "biz-1", claims.BusinessID)
	assert.Equal(t, "actor-1", claims.ActorID)
	assert.Equal(t, tokenID, claims.ID)
}

func TestIssueWithoutSigningKeyFails(t *testing.T) {
	s := NewSigner(SignerConfig{})
	_, _, _, err := s.Issue("biz-1", "actor-1")
	assert.ErrorIs(t, err, ErrSigningKeyMissing)
}

type staticRevoked map[string]bool

func (m staticRevoked) IsRevoked(tokenID string) bool { return m[tokenID] }

func TestParseRejectsRevokedToken(t *testing.T) {
	s := NewSigner(SignerConfig{SigningKey: []byte("secret")})
	token, tokenID, _, err := s.Issue("biz-1", "actor-1")
	require.NoError(t, err)

	_, err = s.Parse(token, staticRevoked{tokenID: true})
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevocationStoreTracksIssuedAndRevoked(t *testing.T) {
	store := NewRevocationStore()
	require.NoError(t, store.Apply(kernel.Event{EventType: EventAPIKeyIssued, Payload: map[string]any{"token_id": "t1"}}))
	assert.False(t, store.IsRevoked("t1"))

	require.NoError(t, store.Apply(kernel.Event{EventType: EventAPIKeyRevoked, Payload: map[string]any{"token_id": "t1"}}))
	assert.True(t, store.IsRevoked("t1"))
}
