// Package memory implements an in-process internal/store.Store backed
// by per-business slices and hash indexes, adapted from the teacher's
// append-only FileLog indexing pattern (type/circle/hash indexes) but
// without file persistence: used by tests, the CLI demo path, and any
// deployment that accepts losing the log on process restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/pkg/canon"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
	"github.com/majorsoln/bos/pkg/registry"
)

type businessChain struct {
	mu           sync.Mutex
	events       []kernel.Event
	byID         map[string]int // event_id -> index in events
	tip          string
	replayActive bool
}

// Store is the in-memory event store. It satisfies store.Store.
type Store struct {
	clock    clock.Clock
	registry *registry.Registry

	mu        sync.Mutex // guards chains and lastStamp only
	chains    map[string]*businessChain
	lastStamp map[string]int64 // monotonic nanos watermark per business
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store. reg may be nil to skip
// event-type existence checks (useful in narrow unit tests).
func New(c clock.Clock, reg *registry.Registry) *Store {
	return &Store{
		clock:     c,
		registry:  reg,
		chains:    make(map[string]*businessChain),
		lastStamp: make(map[string]int64),
	}
}

func (s *Store) chainFor(businessID string) *businessChain {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[businessID]
	if !ok {
		c = &businessChain{byID: make(map[string]int), tip: kernel.Genesis}
		s.chains[businessID] = c
	}
	return c
}

// Append implements store.Store.
func (s *Store) Append(_ context.Context, businessID string, events []kernel.Event) (store.AppendResult, error) {
	if businessID == "" {
		return store.AppendResult{}, fmt.Errorf("%s", kernelerrors.CodeMissingBusinessID)
	}
	chain := s.chainFor(businessID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	if chain.replayActive {
		return store.AppendResult{}, kernelerrors.ErrReplayIsolation
	}

	result := store.AppendResult{
		Events:   make([]kernel.Event, len(events)),
		Inserted: make([]bool, len(events)),
	}

	// Validate the whole batch before mutating anything: partial
	// append must never be observable.
	runningTip := chain.tip
	for i, ev := range events {
		if ev.BusinessID != businessID {
			return store.AppendResult{}, fmt.Errorf("event %d: %s", i, kernelerrors.CodeMissingBusinessID)
		}
		if s.registry != nil {
			if _, ok := s.registry.Lookup(ev.EventType); !ok {
				return store.AppendResult{}, fmt.Errorf("%s: %s", kernelerrors.CodeUnknownEventType, ev.EventType)
			}
		}
		if idx, exists := chain.byID[ev.EventID]; exists {
			if !payloadEqual(chain.events[idx].Payload, ev.Payload) {
				return store.AppendResult{}, fmt.Errorf("%s: %s", kernelerrors.CodeIdempotencyConflict, ev.EventID)
			}
			continue // idempotent replay of an already-stored event is fine
		}
		if ev.PreviousEventHash != runningTip {
			return store.AppendResult{}, fmt.Errorf("%s: business=%s event=%s", kernelerrors.CodeChainMismatch, businessID, ev.EventID)
		}
		runningTip = ev.EventHash
	}

	// Second pass: commit.
	for i, ev := range events {
		if idx, exists := chain.byID[ev.EventID]; exists {
			result.Events[i] = chain.events[idx]
			result.Inserted[i] = false
			continue
		}
		ev.ReceivedAt = s.nextStamp(businessID)
		chain.events = append(chain.events, ev)
		chain.byID[ev.EventID] = len(chain.events) - 1
		chain.tip = ev.EventHash
		result.Events[i] = ev
		result.Inserted[i] = true
	}
	metrics.EventsAppended.Add(float64(countTrue(result.Inserted)))
	return result, nil
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func payloadEqual(a, b map[string]any) bool {
	ea, errA := canon.Encode(a)
	eb, errB := canon.Encode(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// nextStamp returns a strictly monotonic timestamp for businessID,
// even if the injected clock returns the same instant twice (common
// with a FixedClock in tests): it nudges forward by one nanosecond
// per call so ReceivedAt ordering is always well-defined.
func (s *Store) nextStamp(businessID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UnixNano()
	last := s.lastStamp[businessID]
	if now <= last {
		now = last + 1
	}
	s.lastStamp[businessID] = now
	return time.Unix(0, now).UTC()
}

// ChainTip implements store.Store.
func (s *Store) ChainTip(_ context.Context, businessID string) (string, error) {
	chain := s.chainFor(businessID)
	chain.mu.Lock()
	defer chain.mu.Unlock()
	return chain.tip, nil
}

// SetReplayActive implements store.Store.
func (s *Store) SetReplayActive(_ context.Context, businessID string, active bool) error {
	chain := s.chainFor(businessID)
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.replayActive = active
	return nil
}

// Read implements store.Store, returning events strictly scoped to
// businessID in (received_at, event_id) order, honoring opts.Cursor,
// opts.Since/Until, and opts.Limit.
func (s *Store) Read(_ context.Context, businessID string, opts store.ReadOptions) (store.ReadResult, error) {
	chain := s.chainFor(businessID)
	chain.mu.Lock()
	all := make([]kernel.Event, len(chain.events))
	copy(all, chain.events)
	chain.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ReceivedAt.Before(all[j].ReceivedAt)
		}
		return all[i].EventID < all[j].EventID
	})

	var filtered []kernel.Event
	for _, ev := range all {
		if opts.Since != nil && ev.ReceivedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ev.ReceivedAt.After(*opts.Until) {
			continue
		}
		if opts.Cursor != nil {
			cur := kernel.Cursor{ReceivedAt: ev.ReceivedAt, EventID: ev.EventID}
			if !opts.Cursor.Before(cur) {
				continue
			}
		}
		filtered = append(filtered, ev)
	}

	result := store.ReadResult{Events: filtered}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		result.Events = filtered[:opts.Limit]
		last := result.Events[len(result.Events)-1]
		nc := kernel.Cursor{ReceivedAt: last.ReceivedAt, EventID: last.EventID}
		result.NextCursor = &nc
	}
	return result, nil
}
