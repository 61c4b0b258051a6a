// Command bosd is the kernel daemon: it wires the event store,
// registry, guard pipeline, command bus, projections, and the
// built-in admin engine into one running process and serves
// Prometheus metrics, grounded on the retrieval pack's
// Application-struct bootstrap (NewApplication/Run/Shutdown) rather
// than inlining everything in main.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/majorsoln/bos/internal/adminengine"
	"github.com/majorsoln/bos/internal/apikey"
	"github.com/majorsoln/bos/internal/audit"
	"github.com/majorsoln/bos/internal/bizdirectory"
	"github.com/majorsoln/bos/internal/bus"
	"github.com/majorsoln/bos/internal/eventschema"
	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/identity"
	"github.com/majorsoln/bos/internal/kernelconfig"
	"github.com/majorsoln/bos/internal/metrics"
	"github.com/majorsoln/bos/internal/obslog"
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
	"go.uber.org/zap"
)

// externalView adapts the kernel's projections into bus.ExternalView,
// the single seam the bus needs to answer every guard question that
// isn't CommandClass.
type externalView struct {
	identity   *identity.Store
	biz        *bizdirectory.Store
	flags      *resilience.FlagStore
	mode       *resilience.ModeStore
	compliance *audit.ComplianceStore
	limiter    *ratelimit.Limiter
	anomaly    *ratelimit.AnomalyDetector
}

func (v *externalView) IsActorAuthorized(businessID, branchID string, actor kernel.ActorRef) (bool, error) {
	return v.identity.IsActorAuthorized(businessID, branchID, actor)
}
func (v *externalView) BusinessState(businessID string) (guard.BusinessState, error) {
	return v.biz.BusinessState(businessID)
}
func (v *externalView) BranchExists(businessID, branchID string) (bool, error) {
	return v.biz.BranchExists(businessID, branchID)
}
func (v *externalView) FeatureFlag(businessID, flagKey, branchID string) (guard.FlagState, error) {
	return v.flags.FeatureFlag(businessID, flagKey, branchID)
}
func (v *externalView) ResilienceMode(businessID string) (guard.ResilienceMode, error) {
	return v.mode.ResilienceMode(businessID)
}
func (v *externalView) ComplianceProfile(businessID string) (policy.Profile, error) {
	return v.compliance.ComplianceProfile(businessID)
}
func (v *externalView) CheckRate(actorID, businessID string, actorType kernel.ActorType) (bool, error) {
	return v.limiter.CheckRate(actorID, businessID, actorType)
}
func (v *externalView) CheckAnomaly(businessID string, actor kernel.ActorRef, commandType string) (bool, error) {
	return v.anomaly.CheckAnomaly(businessID, actor, commandType)
}

// application bundles every long-lived component bosd owns so Run
// and Shutdown have one receiver to operate on, instead of main
// juggling a dozen loose variables.
type application struct {
	cfg *kernelconfig.Config
	log *zap.Logger

	pgPool   *pgxpool.Pool
	snapshot *pgstore.SnapshotStore
	runtime  *projection.Runtime

	bus        *bus.Bus
	breakers   *resilience.Breakers
	replay     *replay.Engine
	metricsSrv *http.Server
	snapshots  *cron.Cron
}

// newApplication constructs every kernel dependency from cfg but does
// not yet start listening or accepting commands; call Run for that.
func newApplication(ctx context.Context, cfg *kernelconfig.Config) (*application, error) {
	log := obslog.L()
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
			return nil, fmt.Errorf("bosd: register projection: %w", err)
		}
	}

	var (
		eventStore store.Store
		pgPool     *pgxpool.Pool
		snapStore  *pgstore.SnapshotStore
	)
	switch cfg.Database.Mode {
	case "postgres":
		pool, err := openPostgresPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("bosd: open postgres pool: %w", err)
		}
		pgPool = pool
		eventStore = pgstore.New(pool)

		snap, err := pgstore.Open(cfg.Database.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("bosd: open snapshot store: %w", err)
		}
		snapStore = snap
	default:
		eventStore = memory.New(c, reg)
	}

	subscribers := subscriber.New(nil)

	signer := apikey.NewSigner(apikey.SignerConfig{
		SigningKey: []byte(cfg.Security.SigningKey),
		Issuer:     "bos",
		ExpiresIn:  cfg.Security.TokenExpiresIn,
	})

	ratelimitCfg := ratelimit.DefaultConfig()
	ratelimitCfg.RequestsPerSecond = cfg.Security.RateLimitRPS
	ratelimitCfg.Burst = cfg.Security.RateLimitBurst

	ext := &externalView{
		identity:   identityStore,
		biz:        bizStore,
		flags:      flagStore,
		mode:       modeStore,
		compliance: complianceStore,
		limiter:    ratelimit.New(ratelimitCfg),
		anomaly:    ratelimit.NewAnomalyDetector(ratelimitCfg),
	}

	// breakers wraps eventStore before the bus ever sees it, so every
	// Append failure counts toward that business's circuit; the
	// propose closure reaches back into commandBus, which is only
	// assigned below — safe because it is first invoked from a
	// goroutine long after commandBus is set, never during
	// construction.
	var commandBus *bus.Bus
	breakers := resilience.NewBreakers(func(ctx context.Context, businessID string) error {
		_, err := commandBus.Dispatch(ctx, kernel.Command{
			BusinessID:  businessID,
			CommandType: "resilience.mode.set.v1",
			Actor:       kernel.ActorRef{ID: "system:circuit-breaker", Type: kernel.ActorSystem},
			Payload:     map[string]any{"mode": string(guard.ModeDegraded)},
		})
		return err
	})
	eventStore = &breakerStore{Store: eventStore, breakers: breakers}

	auditLogger := audit.New(eventStore, c, complianceStore)

	var err error
	commandBus, err = bus.New(bus.Config{
		Store:       eventStore,
		Registry:    reg,
		Projections: runtime,
		Subscribers: subscribers,
		Clock:       c,
		External:    ext,
		Audit:       auditLogger,
		PoolSize:    cfg.Worker.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("bosd: build bus: %w", err)
	}

	if err := commandBus.RegisterEngine(adminengine.New(signer).Registration()); err != nil {
		return nil, fmt.Errorf("bosd: register adminengine: %w", err)
	}

	reg.Freeze()

	// snapStore is a typed nil in memory mode; pass an untyped nil to
	// replay.New so its internal "snapshots == nil" check still works
	// (a nil *pgstore.SnapshotStore boxed into the interface would not
	// compare equal to nil).
	var snapIface replay.SnapshotStore
	if snapStore != nil {
		snapIface = snapStore
	}
	replayEngine := replay.New(eventStore, runtime, snapIface, c)

	return &application{
		cfg:      cfg,
		log:      log,
		pgPool:   pgPool,
		snapshot: snapStore,
		runtime:  runtime,
		bus:      commandBus,
		breakers: breakers,
		replay:   replayEngine,
	}, nil
}

// Run starts the metrics listener and blocks until ctx is cancelled.
func (a *application) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.MetricsPort),
		Handler: mux,
	}

	if a.snapshot != nil {
		a.snapshots = cron.New()
		if _, err := a.snapshots.AddFunc("@every 5m", a.takeSnapshots); err != nil {
			return fmt.Errorf("bosd: schedule snapshot job: %w", err)
		}
		a.snapshots.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics listener starting", zap.String("addr", a.metricsSrv.Addr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// takeSnapshots persists every registered projection's current state,
// keyed under the empty business_id: every projection here folds
// events for every tenant into one process-wide read model, so there
// is one durable snapshot row per projection rather than per tenant.
func (a *application) takeSnapshots() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, name := range a.runtime.Names() {
		name := name
		g.Go(func() error {
			p, ok := a.runtime.Get(name)
			if !ok {
				return nil
			}
			bytes, err := p.Snapshot()
			if err != nil {
				a.log.Warn("snapshot failed", zap.String("projection", name), zap.Error(err))
				return nil
			}
			snap := kernel.Snapshot{
				ProjectionName: name,
				BusinessID:     "",
				Cursor:         p.Cursor(),
				Bytes:          bytes,
				TakenAt:        time.Now(),
			}
			if err := a.snapshot.Save(ctx, snap); err != nil {
				a.log.Warn("snapshot save failed", zap.String("projection", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown drains the metrics listener and releases the bus worker
// pool and database connections.
func (a *application) Shutdown(ctx context.Context) error {
	if a.snapshots != nil {
		<-a.snapshots.Stop().Done()
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("bosd: shutdown metrics listener: %w", err)
		}
	}
	a.bus.Close()
	if a.snapshot != nil {
		_ = a.snapshot.Close()
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	return nil
}

func openPostgresPool(ctx context.Context, cfg kernelconfig.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

