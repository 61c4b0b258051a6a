package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majorsoln/bos/internal/adminengine"
	"github.com/majorsoln/bos/internal/apikey"
	"github.com/majorsoln/bos/internal/audit"
	"github.com/majorsoln/bos/internal/bizdirectory"
	"github.com/majorsoln/bos/internal/bus"
	"github.com/majorsoln/bos/internal/eventschema"
	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/identity"
	"github.com/majorsoln/bos/internal/kernelconfig"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/internal/ratelimit"
	"github.com/majorsoln/bos/internal/replay"
	"github.com/majorsoln/bos/internal/resilience"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/internal/store/memory"
	pgstore "github.com/majorsoln/bos/internal/store/postgres"
	"github.com/majorsoln/bos/internal/subscriber"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/policy"
	"github.com/majorsoln/bos/pkg/registry"
)

// ctlExternalView mirrors cmd/bosd's externalView; bosctl boots its
// own kernel rather than importing the daemon's (a CLI and a daemon
// process can never share in-process state), so it carries its own
// copy of the same thin guard.KernelView adapter.
type ctlExternalView struct {
	identity   *identity.Store
	biz        *bizdirectory.Store
	flags      *resilience.FlagStore
	mode       *resilience.ModeStore
	compliance *audit.ComplianceStore
	limiter    *ratelimit.Limiter
	anomaly    *ratelimit.AnomalyDetector
}

func (v *ctlExternalView) IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error) {
	return v.identity.IsActorAuthorized(businessID, branchID, actor)
}
func (v *ctlExternalView) BusinessState(businessID string) (guard.BusinessState, error) {
	return v.biz.BusinessState(businessID)
}
func (v *ctlExternalView) BranchExists(businessID, branchID string) (bool, error) {
	return v.biz.BranchExists(businessID, branchID)
}
func (v *ctlExternalView) FeatureFlag(businessID, flagKey, branchID string) (guard.FlagState, error) {
	return v.flags.FeatureFlag(businessID, flagKey, branchID)
}
func (v *ctlExternalView) ResilienceMode(businessID string) (guard.ResilienceMode, error) {
	return v.mode.ResilienceMode(businessID)
}
func (v *ctlExternalView) ComplianceProfile(businessID string) (policy.Profile, error) {
	return v.compliance.ComplianceProfile(businessID)
}
func (v *ctlExternalView) CheckRate(actorID, businessID string, actorType kernel.ActorType) (bool, error) {
	return v.limiter.CheckRate(actorID, businessID, actorType)
}
func (v *ctlExternalView) CheckAnomaly(businessID string, actor kernel.ActorRef, commandType string) (bool, error) {
	return v.anomaly.CheckAnomaly(businessID, actor, commandType)
}

// ctlKernel is the trimmed-down set of live components bosctl needs:
// a dispatchable bus for admin commands, plus direct store/runtime
// access for the offline verify-chain and replay tools.
type ctlKernel struct {
	bus     *bus.Bus
	store   store.Store
	runtime *projection.Runtime
	replay  *replay.Engine
	pgPool  *pgxpool.Pool
	snap    *pgstore.SnapshotStore
}

func bootstrapKernel(ctx context.Context, cfg *kernelconfig.Config) (*ctlKernel, error) {
	c := clock.RealClock{}
	reg := registry.New()
	if err := eventschema.Register(reg); err != nil {
		return nil, err
	}

	runtime := projection.New()
	identityStore := identity.New()
	bizStore := bizdirectory.New()
	flagStore := resilience.NewFlagStore()
	modeStore := resilience.NewModeStore()
	complianceStore := audit.NewComplianceStore()
	revocationStore := apikey.NewRevocationStore()
	for _, p := range []projection.Projection{identityStore, bizStore, flagStore, modeStore, complianceStore, revocationStore} {
		if err := runtime.Register(p); err != nil {
			return nil, fmt.Errorf("register projection: %w", err)
		}
	}

	var (
		eventStore store.Store
		pgPool     *pgxpool.Pool
		snapStore  *pgstore.SnapshotStore
	)
	switch cfg.Database.Mode {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pgPool = pool
		eventStore = pgstore.New(pool)

		snap, err := pgstore.Open(cfg.Database.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		snapStore = snap
	default:
		eventStore = memory.New(c, reg)
	}

	signer := apikey.NewSigner(apikey.SignerConfig{
		SigningKey: []byte(cfg.Security.SigningKey),
		Issuer:     "bos",
		ExpiresIn:  cfg.Security.TokenExpiresIn,
	})

	ratelimitCfg := ratelimit.DefaultConfig()
	ratelimitCfg.RequestsPerSecond = cfg.Security.RateLimitRPS
	ratelimitCfg.Burst = cfg.Security.RateLimitBurst

	ext := &ctlExternalView{
		identity:   identityStore,
		biz:        bizStore,
		flags:      flagStore,
		mode:       modeStore,
		compliance: complianceStore,
		limiter:    ratelimit.New(ratelimitCfg),
		anomaly:    ratelimit.NewAnomalyDetector(ratelimitCfg),
	}

	auditLogger := audit.New(eventStore, c, complianceStore)

	commandBus, err := bus.New(bus.Config{
		Store:       eventStore,
		Registry:    reg,
		Projections: runtime,
		Subscribers: subscriber.New(nil),
		Clock:       c,
		External:    ext,
		Audit:       auditLogger,
		PoolSize:    4,
	})
	if err != nil {
		return nil, fmt.Errorf("build bus: %w", err)
	}
	if err := commandBus.RegisterEngine(adminengine.New(signer).Registration()); err != nil {
		return nil, fmt.Errorf("register adminengine: %w", err)
	}
	reg.Freeze()

	var snapIface replay.SnapshotStore
	if snapStore != nil {
		snapIface = snapStore
	}
	replayEngine := replay.New(eventStore, runtime, snapIface, c)

	return &ctlKernel{bus: commandBus, store: eventStore, runtime: runtime, replay: replayEngine, pgPool: pgPool, snap: snapStore}, nil
}

// seedBusiness replays every projection for businessID from Genesis
// so a freshly-booted bosctl process sees that business's current
// state before issuing a command against it: each invocation is a
// new process with empty in-memory projections, unlike bosd which
// keeps them warm for its whole lifetime.
func (k *ctlKernel) seedBusiness(ctx context.Context, businessID string) error {
	return k.replay.Replay(ctx, replay.Options{BusinessID: businessID})
}

func (k *ctlKernel) Close() {
	if k.snap != nil {
		_ = k.snap.Close()
	}
	if k.pgPool != nil {
		k.pgPool.Close()
	}
}

