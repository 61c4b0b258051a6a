// Package subscriber implements the subscriber bus (component C8):
// post-commit fan-out to handlers registered per event_type,
// dispatched deterministically and isolated from each other so one
// handler's panic or error never affects its peers or the commit that
// already happened.
package subscriber

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/obslog"
	"github.com/majorsoln/bos/pkg/kernel"
)

// Handler receives one committed event. Errors and panics are
// recovered by the Bus and never propagate to other handlers.
type Handler func(ctx context.Context, event kernel.Event) error

type registration struct {
	name    string
	order   int
	handler Handler
}

// Bus is the subscriber fan-out dispatcher.
type Bus struct {
	mu            sync.RWMutex
	byType        map[string][]registration
	selfWhitelist map[string]bool
	nextOrder     int
	replayActive  func() bool
}

// New creates an empty subscriber bus. selfWhitelist names event
// types for which an engine is allowed to subscribe to its own
// emitted events (normally rejected to prevent accidental
// self-triggering loops).
func New(selfWhitelist []string) *Bus {
	wl := make(map[string]bool, len(selfWhitelist))
	for _, w := range selfWhitelist {
		wl[w] = true
	}
	return &Bus{
		byType:        make(map[string][]registration),
		selfWhitelist: wl,
	}
}

// Subscribe registers handler for eventType under subscriberName.
// sourceEngine is the engine emitting eventType; if subscriberName ==
// sourceEngine and eventType is not whitelisted, registration is
// rejected as self-subscription.
func (b *Bus) Subscribe(subscriberName, sourceEngine, eventType string, handler Handler) error {
	if subscriberName == sourceEngine && !b.selfWhitelist[eventType] {
		return fmt.Errorf("subscriber: %q may not subscribe to its own event type %q", subscriberName, eventType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOrder++
	b.byType[eventType] = append(b.byType[eventType], registration{
		name:    subscriberName,
		order:   b.nextOrder,
		handler: handler,
	})
	return nil
}

// SetReplayGuard installs a predicate consulted before every
// dispatch; when it returns true, subscriber dispatch for that call is
// skipped entirely (replay must not re-trigger side effects).
func (b *Bus) SetReplayGuard(isReplaying func() bool) {
	b.replayActive = isReplaying
}

// Dispatch runs every handler subscribed to each event's type, in a
// stable order (event_type, then registration order), sequentially.
// Skipped entirely while a replay guard reports active.
func (b *Bus) Dispatch(ctx context.Context, events []kernel.Event) {
	if b.replayActive != nil && b.replayActive() {
		return
	}
	for _, ev := range events {
		b.dispatchOne(ctx, ev)
	}
}

func (b *Bus) dispatchOne(ctx context.Context, ev kernel.Event) {
	b.mu.RLock()
	regs := append([]registration(nil), b.byType[ev.EventType]...)
	b.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].order < regs[j].order })

	for _, r := range regs {
		invokeOne(ctx, r, ev)
	}
}

func invokeOne(ctx context.Context, r registration, ev kernel.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.SubscriberFailures.WithLabelValues(r.name, ev.EventType).Inc()
			obslog.L().Error("subscriber handler panicked",
				zap.String("subscriber", r.name),
				zap.String("event_type", ev.EventType),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := r.handler(ctx, ev); err != nil {
		metrics.SubscriberFailures.WithLabelValues(r.name, ev.EventType).Inc()
		obslog.L().Warn("subscriber handler failed",
			zap.String("subscriber", r.name),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
	}
}
