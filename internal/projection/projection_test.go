package projection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/pkg/kernel"
)

// countingProjection counts events of its subscribed types, used to
// exercise Runtime without depending on a real domain projection.
type countingProjection struct {
	Base
	Count int
}

func newCounting(name string, types []string) *countingProjection {
	return &countingProjection{Base: NewBase(name, types)}
}

func (c *countingProjection) Apply(event kernel.Event) error {
	c.Count++
	c.Advance(event)
	return nil
}
func (c *countingProjection) Truncate() { c.Count = 0; c.ResetCursor() }
func (c *countingProjection) Snapshot() ([]byte, error) {
	return json.Marshal(c.Count)
}
func (c *countingProjection) LoadSnapshot(snap kernel.Snapshot) error {
	return json.Unmarshal(snap.Bytes, &c.Count)
}

func TestRuntimeRoutesEventsByType(t *testing.T) {
	r := New()
	a := newCounting("a", []string{"x.v1"})
	b := newCounting("b", []string{"y.v1"})
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.Apply(kernel.Event{EventID: "1", EventType: "x.v1"}))
	require.NoError(t, r.Apply(kernel.Event{EventID: "2", EventType: "y.v1"}))
	require.NoError(t, r.Apply(kernel.Event{EventID: "3", EventType: "x.v1"}))

	assert.Equal(t, 2, a.Count)
	assert.Equal(t, 1, b.Count)
	assert.Equal(t, "3", a.Cursor().EventID)
}

func TestRuntimeRejectsDuplicateRegistration(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newCounting("a", []string{"x.v1"})))
	err := r.Register(newCounting("a", []string{"x.v1"}))
	assert.Error(t, err)
}

func TestTruncateAllResetsSelectedProjections(t *testing.T) {
	r := New()
	a := newCounting("a", []string{"x.v1"})
	b := newCounting("b", []string{"x.v1"})
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Apply(kernel.Event{EventID: "1", EventType: "x.v1"}))

	r.TruncateAll([]string{"a"})
	assert.Equal(t, 0, a.Count)
	assert.Equal(t, 1, b.Count)
}
