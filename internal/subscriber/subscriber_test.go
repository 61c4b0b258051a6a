package subscriber

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/pkg/kernel"
)

func TestDispatchCallsHandlersInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []string
	require.NoError(t, b.Subscribe("second", "other", "x.v1", func(context.Context, kernel.Event) error {
		order = append(order, "second")
		return nil
	}))
	require.NoError(t, b.Subscribe("first", "other", "x.v1", func(context.Context, kernel.Event) error {
		order = append(order, "first")
		return nil
	}))

	b.Dispatch(context.Background(), []kernel.Event{{EventType: "x.v1"}})
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestSelfSubscriptionRejectedUnlessWhitelisted(t *testing.T) {
	b := New(nil)
	err := b.Subscribe("engineA", "engineA", "x.v1", func(context.Context, kernel.Event) error { return nil })
	assert.Error(t, err)

	bw := New([]string{"x.v1"})
	err = bw.Subscribe("engineA", "engineA", "x.v1", func(context.Context, kernel.Event) error { return nil })
	assert.NoError(t, err)
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := New(nil)
	called := false
	require.NoError(t, b.Subscribe("bad", "other", "x.v1", func(context.Context, kernel.Event) error {
		panic("boom")
	}))
	require.NoError(t, b.Subscribe("good", "other", "x.v1", func(context.Context, kernel.Event) error {
		called = true
		return nil
	}))
	assert.NotPanics(t, func() {
		b.Dispatch(context.Background(), []kernel.Event{{EventType: "x.v1"}})
	})
	assert.True(t, called)
}

func TestHandlerErrorDoesNotStopOtherHandlers(t *testing.T) {
	b := New(nil)
	called := false
	require.NoError(t, b.Subscribe("bad", "other", "x.v1", func(context.Context, kernel.Event) error {
		return errors.New("fail")
	}))
	require.NoError(t, b.Subscribe("good", "other", "x.v1", func(context.Context, kernel.Event) error {
		called = true
		return nil
	}))
	b.Dispatch(context.Background(), []kernel.Event{{EventType: "x.v1"}})
	assert.True(t, called)
}

func TestReplayGuardSkipsDispatch(t *testing.T) {
	b := New(nil)
	called := false
	require.NoError(t, b.Subscribe("s", "other", "x.v1", func(context.Context, kernel.Event) error {
		called = true
		return nil
	}))
	b.SetReplayGuard(func() bool { return true })
	b.Dispatch(context.Background(), []kernel.Event{{EventType: "x.v1"}})
	assert.False(t, called)
}
