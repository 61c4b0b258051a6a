package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/internal/guard"
	memstore "github.com/majorsoln/bos/internal/store/memory"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
	"github.com/majorsoln/bos/pkg/policy"
	"github.com/majorsoln/bos/pkg/registry"
)

type permissiveView struct{}

func (permissiveView) IsActorAuthorized(string, string, kernel.ActorRef) (bool, error) { return true, nil }
func (permissiveView) BusinessState(string) (guard.BusinessState, error)               { return guard.BusinessActive, nil }
func (permissiveView) BranchExists(string, string) (bool, error)                       { return true, nil }
func (permissiveView) FeatureFlag(string, string, string) (guard.FlagState, error)     { return guard.FlagEnabled, nil }
func (permissiveView) ResilienceMode(string) (guard.ResilienceMode, error)             { return guard.ModeNormal, nil }
func (permissiveView) ComplianceProfile(string) (policy.Profile, error)                { return policy.Profile{}, nil }
func (permissiveView) CheckRate(string, string, kernel.ActorType) (bool, error)        { return true, nil }
func (permissiveView) CheckAnomaly(string, kernel.ActorRef, string) (bool, error)      { return true, nil }

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.EventType{Name: "echo.said.v1", Version: 1}))
	reg.Freeze()

	c := clock.Sequence(time.Unix(2000, 0), time.Second)
	st := memstore.New(c, reg)
	proj := projection.New()

	b, err := New(Config{
		Store:       st,
		Registry:    reg,
		Projections: proj,
		Clock:       c,
		External:    permissiveView{},
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.NoError(t, b.RegisterEngine(EngineRegistration{
		Name: "echo",
		Commands: map[string]CommandSpec{
			"echo.say.v1": {
				Class: guard.CommandClass{ActorRequired: true},
				Handler: func(_ context.Context, cmd kernel.Command, _ HandlerView) ([]EventDraft, *kernel.Rejection) {
					return []EventDraft{{
						EventType:    "echo.said.v1",
						EventVersion: 1,
						Payload:      map[string]any{"text": cmd.Payload["text"]},
					}}, nil
				},
			},
		},
	}))
	return b
}

func baseCmd() kernel.Command {
	return kernel.Command{
		CommandID:    "c1",
		CommandType:  "echo.say.v1",
		BusinessID:   "biz-1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "u1"},
		SourceEngine: "echo",
		Payload:      map[string]any{"text": "hello"},
	}
}

func TestDispatchAcceptsAndChainsEvents(t *testing.T) {
	b := newTestBus(t)
	outcome, err := b.Dispatch(context.Background(), baseCmd())
	require.NoError(t, err)
	require.True(t, outcome.Ok())
	require.Len(t, outcome.Events, 1)
	assert.Equal(t, kernel.Genesis, outcome.Events[0].PreviousEventHash)
	assert.NotEmpty(t, outcome.Events[0].EventHash)

	cmd2 := baseCmd()
	cmd2.CommandID = "c2"
	outcome2, err := b.Dispatch(context.Background(), cmd2)
	require.NoError(t, err)
	require.True(t, outcome2.Ok())
	assert.Equal(t, outcome.Events[0].EventHash, outcome2.Events[0].PreviousEventHash)
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	b := newTestBus(t)
	cmd := baseCmd()
	cmd.CommandType = "nope.v1"
	outcome, err := b.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	require.False(t, outcome.Ok())
	assert.Equal(t, kernelerrors.CodeUnknownCommand, outcome.Rejection.Code)
}

func TestDispatchIdempotentKeyDedupsAppend(t *testing.T) {
	b := newTestBus(t)
	cmd := baseCmd()
	cmd.IdempotencyKey = "key-1"

	o1, err := b.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, o1.Ok())

	cmd2 := cmd
	cmd2.CommandID = "c-retry"
	o2, err := b.Dispatch(context.Background(), cmd2)
	require.NoError(t, err)
	require.True(t, o2.Ok())
	assert.Equal(t, o1.Events[0].EventID, o2.Events[0].EventID)
	assert.Equal(t, o1.Events[0].EventHash, o2.Events[0].EventHash)
}

func TestDispatchAsyncDeliversResult(t *testing.T) {
	b := newTestBus(t)
	ch := b.DispatchAsync(context.Background(), baseCmd())
	res := <-ch
	require.NoError(t, res.Err)
	assert.True(t, res.Outcome.Ok())
}

type orderPayload struct {
	SKU string `json:"sku" validate:"required"`
}

func decodeOrderPayload(payload map[string]any) (any, error) {
	sku, _ := payload["sku"].(string)
	return orderPayload{SKU: sku}, nil
}

// newShapeValidatingBus registers order.placed.v1 with a real
// RegisterStruct validator, proving materialize invokes
// registry.ValidatePayload rather than only checking the event_type
// exists.
func newShapeValidatingBus(t *testing.T) *Bus {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterStruct("order.placed.v1", 1, decodeOrderPayload))
	reg.Freeze()

	c := clock.Sequence(time.Unix(3000, 0), time.Second)
	st := memstore.New(c, reg)
	proj := projection.New()

	b, err := New(Config{
		Store:       st,
		Registry:    reg,
		Projections: proj,
		Clock:       c,
		External:    permissiveView{},
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.NoError(t, b.RegisterEngine(EngineRegistration{
		Name: "orders",
		Commands: map[string]CommandSpec{
			"order.place.v1": {
				Class: guard.CommandClass{ActorRequired: true},
				Handler: func(_ context.Context, cmd kernel.Command, _ HandlerView) ([]EventDraft, *kernel.Rejection) {
					return []EventDraft{{
						EventType:    "order.placed.v1",
						EventVersion: 1,
						Payload:      cmd.Payload,
					}}, nil
				},
			},
		},
	}))
	return b
}

func TestDispatchRejectsPayloadFailingRegisteredValidator(t *testing.T) {
	b := newShapeValidatingBus(t)
	cmd := kernel.Command{
		CommandID:    "o1",
		CommandType:  "order.place.v1",
		BusinessID:   "biz-1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "u1"},
		SourceEngine: "orders",
		Payload:      map[string]any{},
	}
	_, err := b.Dispatch(context.Background(), cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), kernelerrors.CodeInvalidCommandStructure)
}

func TestDispatchAcceptsPayloadPassingRegisteredValidator(t *testing.T) {
	b := newShapeValidatingBus(t)
	cmd := kernel.Command{
		CommandID:    "o2",
		CommandType:  "order.place.v1",
		BusinessID:   "biz-1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "u1"},
		SourceEngine: "orders",
		Payload:      map[string]any{"sku": "WIDGET-1"},
	}
	outcome, err := b.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, outcome.Ok())
}
