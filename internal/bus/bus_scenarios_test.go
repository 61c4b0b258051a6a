package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorsoln/bos/internal/adminengine"
	"github.com/majorsoln/bos/internal/bizdirectory"
	"github.com/majorsoln/bos/internal/guard"
	"github.com/majorsoln/bos/internal/identity"
	"github.com/majorsoln/bos/internal/projection"
	"github.com/majorsoln/bos/internal/replay"
	"github.com/majorsoln/bos/internal/resilience"
	"github.com/majorsoln/bos/internal/store"
	memstore "github.com/majorsoln/bos/internal/store/memory"
	"github.com/majorsoln/bos/pkg/clock"
	"github.com/majorsoln/bos/pkg/kernel"
	"github.com/majorsoln/bos/pkg/kernelerrors"
	"github.com/majorsoln/bos/pkg/policy"
	"github.com/majorsoln/bos/pkg/registry"
)

// scenarioView is a hand-rolled, stateful ExternalView standing in for
// the real identity/bizdirectory projections: every end-to-end
// scenario below needs to mutate authorization, business state, or
// resilience mode mid-test in ways a fixed permissiveView can't.
// Feature flags are the one question it does NOT fake: it delegates
// straight to the real resilience.FlagStore projection registered in
// the runtime, so these scenarios exercise the production flag_key
// lookup the guard actually uses, not a stand-in.
type scenarioView struct {
	mu sync.Mutex

	flags *resilience.FlagStore

	authorizedBiz map[string]map[string]bool // businessID -> actorID -> ok
	businessState map[string]guard.BusinessState
	branches      map[string]map[string]bool
	mode          map[string]guard.ResilienceMode
}

func newScenarioView(flags *resilience.FlagStore) *scenarioView {
	return &scenarioView{
		flags:         flags,
		authorizedBiz: make(map[string]map[string]bool),
		businessState: make(map[string]guard.BusinessState),
		branches:      make(map[string]map[string]bool),
		mode:          make(map[string]guard.ResilienceMode),
	}
}

func (v *scenarioView) authorize(businessID, actorID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.authorizedBiz[businessID] == nil {
		v.authorizedBiz[businessID] = make(map[string]bool)
	}
	v.authorizedBiz[businessID][actorID] = true
}

func (v *scenarioView) addBranch(businessID, branchID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.branches[businessID] == nil {
		v.branches[businessID] = make(map[string]bool)
	}
	v.branches[businessID][branchID] = true
}

func (v *scenarioView) setMode(businessID string, m guard.ResilienceMode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode[businessID] = m
}

func (v *scenarioView) IsActorAuthorized(businessID, _ string, actor kernel.ActorRef) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authorizedBiz[businessID][actor.ID], nil
}

func (v *scenarioView) BusinessState(businessID string) (guard.BusinessState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.businessState[businessID]; ok {
		return s, nil
	}
	return guard.BusinessActive, nil
}

func (v *scenarioView) BranchExists(businessID, branchID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.branches[businessID][branchID], nil
}

func (v *scenarioView) FeatureFlag(businessID, flagKey, branchID string) (guard.FlagState, error) {
	return v.flags.FeatureFlag(businessID, flagKey, branchID)
}

func (v *scenarioView) ResilienceMode(businessID string) (guard.ResilienceMode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.mode[businessID]; ok {
		return m, nil
	}
	return guard.ModeNormal, nil
}

func (v *scenarioView) ComplianceProfile(string) (policy.Profile, error) { return policy.Profile{}, nil }
func (v *scenarioView) CheckRate(string, string, kernel.ActorType) (bool, error) {
	return true, nil
}
func (v *scenarioView) CheckAnomaly(string, kernel.ActorRef, string) (bool, error) {
	return true, nil
}

// scenarioKernel bundles a fully wired, in-memory kernel: real
// adminengine commands plus two test-only fixture command_types
// (cash.drawer.open.v1, misc.ping.v1) standing in for a branch-scoped
// and an actor-optional external engine respectively, since no real
// business domain engine is in scope here.
type scenarioKernel struct {
	bus     *Bus
	view    *scenarioView
	runtime *projection.Runtime
	store   *memstore.Store
	replay  *replay.Engine
}

func newScenarioKernel(t *testing.T) *scenarioKernel {
	t.Helper()
	reg := registry.New()
	for _, n := range []string{
		"feature_flag.set.v1", "feature_flag.clear.v1",
		"resilience.mode.set.v1",
		"identity.role.assigned.v1", "identity.role.revoked.v1",
		bizdirectory.EventBusinessCreated, bizdirectory.EventBusinessSuspended,
		bizdirectory.EventBusinessReactivated, bizdirectory.EventBusinessClosed,
		bizdirectory.EventBranchAdded, bizdirectory.EventBranchClosed,
		"cash.drawer.opened.v1", "misc.pinged.v1",
	} {
		require.NoError(t, reg.Register(registry.EventType{Name: n, Version: 1}))
	}
	reg.Freeze()

	c := clock.Sequence(time.Unix(3000, 0), time.Second)
	st := memstore.New(c, reg)
	runtime := projection.New()

	bizStore := bizdirectory.New()
	identityStore := identity.New()
	flagStore := resilience.NewFlagStore()
	require.NoError(t, runtime.Register(bizStore))
	require.NoError(t, runtime.Register(identityStore))
	require.NoError(t, runtime.Register(flagStore))

	view := newScenarioView(flagStore)

	b, err := New(Config{
		Store:       st,
		Registry:    reg,
		Projections: runtime,
		Clock:       c,
		External:    view,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.NoError(t, b.RegisterEngine(adminengine.New(nil).Registration()))
	require.NoError(t, b.RegisterEngine(EngineRegistration{
		Name: "cash",
		Commands: map[string]CommandSpec{
			// FlagKey "cash.drawer" must be enabled via a real
			// feature_flag.set.v1 command before this command_type is
			// accepted — see TestScenarioFeatureFlagGatesDomainCommand.
			"cash.drawer.open.v1": {
				Class: guard.CommandClass{EngineName: "cash", FlagKey: "cash.drawer", ActorRequired: true, ScopeBranch: guard.ScopeBranchRequired},
				Handler: func(_ context.Context, cmd kernel.Command, _ HandlerView) ([]EventDraft, *kernel.Rejection) {
					return []EventDraft{{EventType: "cash.drawer.opened.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
				},
			},
			"misc.ping.v1": {
				Class: guard.CommandClass{EngineName: "cash", ActorRequired: false},
				Handler: func(_ context.Context, cmd kernel.Command, _ HandlerView) ([]EventDraft, *kernel.Rejection) {
					return []EventDraft{{EventType: "misc.pinged.v1", EventVersion: 1, Payload: cmd.Payload}}, nil
				},
			},
		},
	}))

	replayEngine := replay.New(st, runtime, nil, c)

	return &scenarioKernel{bus: b, view: view, runtime: runtime, store: st, replay: replayEngine}
}

func TestScenarioS1GenesisAppend(t *testing.T) {
	k := newScenarioKernel(t)
	k.view.authorize("B1", "admin")

	outcome, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s1-c1",
		CommandType:  "business.create.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine: "adminengine",
		Payload:      map[string]any{"business_id": "B1"},
	})
	require.NoError(t, err)
	require.True(t, outcome.Ok())
	require.Len(t, outcome.Events, 1)
	assert.Equal(t, kernel.Genesis, outcome.Events[0].PreviousEventHash)
	assert.NotEmpty(t, outcome.Events[0].EventHash)
}

func TestScenarioS2ChainContinuation(t *testing.T) {
	k := newScenarioKernel(t)
	k.view.authorize("B1", "admin")

	o1, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s2-c1",
		CommandType:  "business.create.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine: "adminengine",
		Payload:      map[string]any{"business_id": "B1"},
	})
	require.NoError(t, err)
	require.True(t, o1.Ok())

	o2, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s2-c2",
		CommandType:  "feature_flag.set.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine: "adminengine",
		Payload:      map[string]any{"flag_key": "ENABLE_RETAIL_ENGINE", "status": "ENABLED"},
	})
	require.NoError(t, err)
	require.True(t, o2.Ok())
	assert.Equal(t, o1.Events[0].EventHash, o2.Events[0].PreviousEventHash)
}

func TestScenarioS3IdempotentReplay(t *testing.T) {
	k := newScenarioKernel(t)
	k.view.authorize("B1", "admin")

	cmd := kernel.Command{
		CommandID:      "s3-c1",
		CommandType:    "feature_flag.set.v1",
		BusinessID:     "B1",
		Actor:          kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine:   "adminengine",
		IdempotencyKey: "s3-key",
		Payload:        map[string]any{"flag_key": "ENABLE_RETAIL_ENGINE", "status": "ENABLED"},
	}
	o1, err := k.bus.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, o1.Ok())

	before, err := k.store.Read(context.Background(), "B1", store.ReadOptions{})
	require.NoError(t, err)
	sizeBefore := len(before.Events)

	cmd2 := cmd
	cmd2.CommandID = "s3-c1-retry"
	o2, err := k.bus.Dispatch(context.Background(), cmd2)
	require.NoError(t, err)
	require.True(t, o2.Ok())
	assert.Equal(t, o1.Events[0].EventID, o2.Events[0].EventID)
	assert.Equal(t, o1.Events[0].EventHash, o2.Events[0].EventHash)

	after, err := k.store.Read(context.Background(), "B1", store.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, sizeBefore, len(after.Events))
}

func TestScenarioS4BranchRequiredRejection(t *testing.T) {
	k := newScenarioKernel(t)
	k.view.authorize("B1", "teller")

	outcome, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s4-c1",
		CommandType:  "cash.drawer.open.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "teller"},
		SourceEngine: "cash",
		Payload:      map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, outcome.Ok())
	assert.Equal(t, kernelerrors.CodeBranchRequiredMissing, outcome.Rejection.Code)
	assert.Equal(t, "scope_guard", outcome.Rejection.PolicyName)
}

// TestScenarioFeatureFlagGatesDomainCommand proves feature_flag_guard
// is load-bearing end to end against the real resilience.FlagStore
// projection (not a fake): a command class that declares a FlagKey is
// rejected FEATURE_DISABLED until the matching flag_key is actually
// enabled via a real feature_flag.set.v1 command, after which the
// identical command is accepted.
func TestScenarioFeatureFlagGatesDomainCommand(t *testing.T) {
	k := newScenarioKernel(t)
	ctx := context.Background()
	k.view.authorize("B1", "teller")
	k.view.addBranch("B1", "br1")

	openDrawer := kernel.Command{
		CommandID:    "ff-1",
		CommandType:  "cash.drawer.open.v1",
		BusinessID:   "B1",
		BranchID:     "br1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "teller"},
		SourceEngine: "cash",
		Payload:      map[string]any{},
	}

	outcome, err := k.bus.Dispatch(ctx, openDrawer)
	require.NoError(t, err)
	require.False(t, outcome.Ok())
	assert.Equal(t, kernelerrors.CodeFeatureDisabled, outcome.Rejection.Code)
	assert.Equal(t, "feature_flag_guard", outcome.Rejection.PolicyName)

	k.view.authorize("B1", "admin")
	setFlag, err := k.bus.Dispatch(ctx, kernel.Command{
		CommandID:    "ff-2",
		CommandType:  "feature_flag.set.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine: "adminengine",
		Payload:      map[string]any{"flag_key": "cash.drawer"},
	})
	require.NoError(t, err)
	require.True(t, setFlag.Ok())

	openDrawer.CommandID = "ff-3"
	outcome, err = k.bus.Dispatch(ctx, openDrawer)
	require.NoError(t, err)
	require.Truef(t, outcome.Ok(), "rejected after enabling the flag: %+v", outcome.Rejection)
}

func TestScenarioS5CrossTenantDeny(t *testing.T) {
	// misc.ping.v1 is ActorRequired:false, so actor_guard passes it
	// through unconditionally and tenant_isolation_guard — not
	// actor_guard — is the first guard to actually check
	// cross-business authorization; that is what earliest-guard-wins
	// means here for a command with no actor requirement of its own.
	k := newScenarioKernel(t)
	k.view.authorize("B1", "ops")

	outcome, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s5-c1",
		CommandType:  "misc.ping.v1",
		BusinessID:   "B2",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "ops"},
		SourceEngine: "cash",
		Payload:      map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, outcome.Ok())
	assert.Equal(t, kernelerrors.CodeActorUnauthorizedBiz, outcome.Rejection.Code)
}

func TestScenarioS6ReadOnlyMode(t *testing.T) {
	k := newScenarioKernel(t)
	k.view.authorize("B1", "admin")
	k.view.setMode("B1", guard.ModeReadOnly)

	outcome, err := k.bus.Dispatch(context.Background(), kernel.Command{
		CommandID:    "s6-c1",
		CommandType:  "feature_flag.set.v1",
		BusinessID:   "B1",
		Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
		SourceEngine: "adminengine",
		Payload:      map[string]any{"flag_key": "ENABLE_RETAIL_ENGINE", "status": "ENABLED"},
	})
	require.NoError(t, err)
	require.False(t, outcome.Ok())
	assert.Equal(t, kernelerrors.CodeReadOnlyMode, outcome.Rejection.Code)

	res, err := k.store.Read(context.Background(), "B1", store.ReadOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestScenarioS7ProjectionRebuild(t *testing.T) {
	k := newScenarioKernel(t)
	ctx := context.Background()
	k.view.authorize("B1", "admin")
	k.view.addBranch("B1", "br1")

	type step struct {
		id, commandType string
		payload         map[string]any
	}
	steps := []step{
		{"s7-1", "business.create.v1", map[string]any{"business_id": "B1"}},
		{"s7-2", "branch.add.v1", map[string]any{"branch_id": "br1"}},
		{"s7-3", "identity.role.assign.v1", map[string]any{"actor_id": "teller", "role": "cashier"}},
		{"s7-4", "identity.role.assign.v1", map[string]any{"actor_id": "ops", "role": "operator"}},
		{"s7-5", "feature_flag.set.v1", map[string]any{"flag_key": "ENABLE_RETAIL_ENGINE", "status": "ENABLED"}},
		{"s7-6", "feature_flag.set.v1", map[string]any{"flag_key": "ENABLE_CASH_ENGINE", "status": "ENABLED"}},
		{"s7-7", "feature_flag.clear.v1", map[string]any{"flag_key": "ENABLE_CASH_ENGINE"}},
		{"s7-8", "identity.role.revoke.v1", map[string]any{"actor_id": "ops"}},
		{"s7-9", "business.suspend.v1", map[string]any{"business_id": "B1"}},
		{"s7-10", "business.reactivate.v1", map[string]any{"business_id": "B1"}},
	}
	for _, s := range steps {
		outcome, err := k.bus.Dispatch(ctx, kernel.Command{
			CommandID:    s.id,
			CommandType:  s.commandType,
			BusinessID:   "B1",
			Actor:        kernel.ActorRef{Type: kernel.ActorHuman, ID: "admin"},
			SourceEngine: "adminengine",
			Payload:      s.payload,
		})
		require.NoError(t, err)
		require.Truef(t, outcome.Ok(), "step %s (%s) rejected: %+v", s.id, s.commandType, outcome.Rejection)
	}

	before := make(map[string][]byte)
	for _, name := range k.runtime.Names() {
		p, ok := k.runtime.Get(name)
		require.True(t, ok)
		bytes, err := p.Snapshot()
		require.NoError(t, err)
		before[name] = bytes
	}

	k.runtime.TruncateAll(nil)
	for _, name := range k.runtime.Names() {
		p, ok := k.runtime.Get(name)
		require.True(t, ok)
		bytes, err := p.Snapshot()
		require.NoError(t, err)
		assert.NotEqual(t, before[name], bytes, "projection %s should be empty after truncate", name)
	}

	require.NoError(t, k.replay.Replay(ctx, replay.Options{BusinessID: "B1"}))

	for _, name := range k.runtime.Names() {
		p, ok := k.runtime.Get(name)
		require.True(t, ok)
		bytes, err := p.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, before[name], bytes, "projection %s should match pre-wipe snapshot after replay", name)
	}
}
