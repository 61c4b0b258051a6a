// Package ratelimit implements the rate-limit and anomaly guard
// checks (§4.5 steps 7-8): a golang.org/x/time/rate limiter per
// (actor_id, business_id), created lazily, adapted from the
// retrieval pack's per-client rate.Limiter wrapper pattern.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/majorsoln/bos/pkg/kernel"
)

// Config bounds the sliding window applied per (actor_id, business_id).
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a generous default suitable for interactive human
// actors; system/device actors typically override it per business.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

type limiterKey struct {
	a string
	b string
}

// Limiter tracks one rate.Limiter per (actor_id, business_id).
type Limiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
	cfg      Config
}

// New builds a Limiter using cfg for every actor/business pair.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{limiters: make(map[limiterKey]*rate.Limiter), cfg: cfg}
}

func (l *Limiter) forKey(k limiterKey) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.limiters[k]
	if !ok {
		r = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.limiters[k] = r
	}
	return r
}

// CheckRate satisfies bus.ExternalView / guard.KernelView's rate-limit
// check: true if the command may proceed, false once the window is
// exhausted for this (actor_id, business_id).
func (l *Limiter) CheckRate(actorID, businessID string, _ kernel.ActorType) (bool, error) {
	return l.forKey(limiterKey{actorID, businessID}).Allow(), nil
}

// AnomalyDetector flags implausible command patterns. The baseline
// implementation here is a per-(business, command_type) burst
// detector reusing the same token-bucket primitive at a much looser
// threshold than CheckRate — a real anomaly model is out of scope.
type AnomalyDetector struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
	cfg      Config
}

// NewAnomalyDetector builds a detector with a loose burst allowance;
// tripping it indicates a command-type burst far beyond normal use,
// not a hard per-actor quota.
func NewAnomalyDetector(cfg Config) *AnomalyDetector {
	if cfg.RequestsPerSecond <= 0 {
		cfg = Config{RequestsPerSecond: 200, Burst: 400}
	}
	return &AnomalyDetector{limiters: make(map[limiterKey]*rate.Limiter), cfg: cfg}
}

// CheckAnomaly satisfies bus.ExternalView / guard.KernelView's anomaly
// check, keyed by (business_id, command_type) rather than actor, so a
// single compromised or malfunctioning actor hammering one command
// type trips it regardless of which actor_id is used.
func (d *AnomalyDetector) CheckAnomaly(businessID string, _ kernel.ActorRef, commandType string) (bool, error) {
	d.mu.Lock()
	r, ok := d.limiters[limiterKey{commandType, businessID}]
	if !ok {
		r = rate.NewLimiter(rate.Limit(d.cfg.RequestsPerSecond), d.cfg.Burst)
		d.limiters[limiterKey{commandType, businessID}] = r
	}
	d.mu.Unlock()
	return r.Allow(), nil
}
