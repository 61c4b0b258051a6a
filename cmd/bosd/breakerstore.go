package main

import (
	"context"

	"github.com/majorsoln/bos/internal/resilience"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/pkg/kernel"
)

// breakerStore wraps a store.Store so every Append runs through that
// business's circuit breaker: repeated store failures trip the
// breaker open and propose a DEGRADED transition instead of letting
// every subsequent command pile up against a store that is already
// down.
type breakerStore struct {
	store.Store
	breakers *resilience.Breakers
}

func (s *breakerStore) Append(ctx context.Context, businessID string, events []kernel.Event) (store.AppendResult, error) {
	var result store.AppendResult
	err := s.breakers.RecordStoreCall(businessID, func() error {
		var appendErr error
		result, appendErr = s.Store.Append(ctx, businessID, events)
		return appendErr
	})
	return result, err
}
