package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMapKeyOrderIsDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)

	assert.Equal(t, encA, encB, "key order must not affect canonical bytes")
}

func TestEncodeDistinguishesNullFromAbsent(t *testing.T) {
	withNull := map[string]any{"x": nil}
	withoutKey := map[string]any{}

	encNull, err := Encode(withNull)
	require.NoError(t, err)
	encAbsent, err := Encode(withoutKey)
	require.NoError(t, err)

	assert.NotEqual(t, encNull, encAbsent)
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	_, err := Encode(map[string]any{"x": string([]byte{0xff, 0xfe})})
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestEncodeExactDecimalPreservesDigits(t *testing.T) {
	n := json.Number("19.990")
	enc, err := Encode(map[string]any{"price": n})
	require.NoError(t, err)

	// Re-encoding the same decimal text must be byte-identical; a
	// differently-formatted but mathematically equal number must not be.
	enc2, err := Encode(map[string]any{"price": json.Number("19.99")})
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2, "canonical form preserves exact textual digits, not numeric value")
}

func TestHashChainsToGenesis(t *testing.T) {
	header := StableHeader{
		EventID:      "evt-1",
		EventType:    "identity.business.bootstrap.request.v1",
		EventVersion: 1,
		BusinessID:   "B1",
		CreatedAtRFC3339: "2025-01-01T00:00:00Z",
		CorrelationID: "corr-1",
		Status:       "FINAL",
	}
	hash, err := Hash(map[string]any{"name": "Acme"}, "GENESIS", header)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Len(t, hash, 64, "sha256 hex digest is 64 chars")

	assert.NoError(t, Verify(map[string]any{"name": "Acme"}, "GENESIS", header, hash))
}

func TestHashChangesWhenPreviousHashChanges(t *testing.T) {
	header := StableHeader{EventID: "evt-2", EventType: "x.y.z.v1", BusinessID: "B1", Status: "FINAL"}
	h1, err := Hash(map[string]any{"a": 1}, "GENESIS", header)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": 1}, h1, header)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestEncodeRejectsUnsupportedKind(t *testing.T) {
	_, err := Encode(map[string]any{"x": struct{ A int }{A: 1}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}
