package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/obslog"
	"go.uber.org/zap"
)

// ProposeDegraded issues the bus-internal command that transitions a
// business into DEGRADED mode. Implemented by the wiring layer (a
// thin closure around bus.Dispatch for the admin engine's
// resilience.mode.set command) so this package never imports
// internal/bus directly.
type ProposeDegraded func(ctx context.Context, businessID string) error

// Breakers holds one sony/gobreaker.CircuitBreaker per business,
// created lazily, so repeated STORE_UNAVAILABLE failures for one
// business automatically propose a DEGRADED transition without
// mutating state outside the normal command path.
type Breakers struct {
	mu       sync.Mutex
	byBiz    map[string]*gobreaker.CircuitBreaker
	propose  ProposeDegraded
	settings func(businessID string) gobreaker.Settings
}

// NewBreakers builds a Breakers set. propose is invoked (outside the
// breaker's own critical section) whenever a business's breaker trips
// open.
func NewBreakers(propose ProposeDegraded) *Breakers {
	return &Breakers{
		byBiz:   make(map[string]*gobreaker.CircuitBreaker),
		propose: propose,
		settings: func(businessID string) gobreaker.Settings {
			return gobreaker.Settings{
				Name:        "business:" + businessID,
				MaxRequests: 3,
				Interval:    0,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}
		},
	}
}

func (b *Breakers) forBusiness(businessID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byBiz[businessID]
	if !ok {
		settings := b.settings(businessID)
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			metrics.CircuitState.WithLabelValues(businessID).Set(stateGauge(to))
			obslog.L().Warn("circuit breaker state change",
				zap.String("business_id", businessID),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if to == gobreaker.StateOpen && b.propose != nil {
				if err := b.propose(context.Background(), businessID); err != nil {
					obslog.L().Error("propose DEGRADED transition failed",
						zap.String("business_id", businessID), zap.Error(err))
				}
			}
		}
		cb = gobreaker.NewCircuitBreaker(settings)
		b.byBiz[businessID] = cb
	}
	return cb
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// RecordStoreCall runs fn through businessID's breaker, recording
// success/failure and tripping toward DEGRADED proposal on repeated
// failure.
func (b *Breakers) RecordStoreCall(businessID string, fn func() error) error {
	cb := b.forBusiness(businessID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
