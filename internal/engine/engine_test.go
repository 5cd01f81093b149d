package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/picklr-io/reconciler/internal/secrets"
	"github.com/picklr-io/reconciler/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakePlugin identifies targets by their "id" field and records every call.
type fakePlugin struct {
	name      string
	calls     *callLog
	reverts   *callLog
	ephemeral []string
	failSpawn map[string]error
	failRev   map[string]error
	noRevert  bool
	dryRuns   []bool
}

func newFake(name string, calls, reverts *callLog) *fakePlugin {
	return &fakePlugin{name: name, calls: calls, reverts: reverts}
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	return ir.Values{"id": t.String("id")}, nil
}

func (f *fakePlugin) revert(action, id string) plugin.RevertFunc {
	if f.noRevert {
		return nil
	}
	return func(context.Context) error {
		f.reverts.add("revert %s %s", action, id)
		return f.failRev[id]
	}
}

func (f *fakePlugin) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	id := t.String("id")
	f.calls.add("spawn %s %s", f.name, id)
	f.dryRuns = append(f.dryRuns, plugin.IsDryRun(ctx))
	if err := f.failSpawn[id]; err != nil {
		return nil, err
	}
	return f.revert("spawn", id), nil
}

func (f *fakePlugin) Kill(_ context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	id := t.String("id")
	f.calls.add("kill %s %s", f.name, id)
	return f.revert("kill", id), nil
}

func (f *fakePlugin) EphemeralFields() []string { return f.ephemeral }

type updatingPlugin struct {
	*fakePlugin
	changes []ir.Changes
}

func (u *updatingPlugin) Update(_ context.Context, t *ir.Target, changed ir.Changes) (plugin.RevertFunc, error) {
	u.calls.add("update %s %s %s", u.name, t.String("id"), strings.Join(changed.Keys(), ","))
	u.changes = append(u.changes, changed)
	return u.revert("update", t.String("id")), nil
}

func hookFor(p plugin.Plugin) plugin.HookRef {
	return plugin.Static("test/"+p.Name(), p)
}

func declareAll(hook plugin.HookRef, targets ...ir.Values) Descriptor {
	return func(ctx context.Context, dc *DeployContext) error {
		for _, props := range targets {
			dc.Declare(hook, Props(fmt.Sprint(props["id"]), props))
		}
		return nil
	}
}

func seedLedger(t *testing.T, store *state.MemoryStore, ledger *ir.Ledger) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, state.WriteLedger(ctx, store, ledger))
	_, err := store.Commit(ctx, "seed")
	require.NoError(t, err)
}

type ledgerEntry struct {
	Plugin string
	ID     any
}

func ledgerEntries(l *ir.Ledger) []ledgerEntry {
	out := make([]ledgerEntry, 0, len(l.Targets))
	for _, rec := range l.Targets {
		out = append(out, ledgerEntry{Plugin: rec.Plugin, ID: rec.State["id"]})
	}
	return out
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	desc := declareAll(hookFor(p), ir.Values{"id": "a", "size": 1}, ir.Values{"id": "b"}, ir.Values{"id": "c", "tags": map[string]any{"x": "y"}})

	res, err := eng.Run(ctx, desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Spawned)
	assert.True(t, res.Committed)
	require.Len(t, calls.all(), 3)

	res, err = eng.Run(ctx, desc, Options{})
	require.NoError(t, err)
	assert.Len(t, calls.all(), 3, "second run must not call the plugin")
	assert.Equal(t, ir.Summary{Reused: 3}, res.Summary)
	assert.False(t, res.Committed)
	assert.Equal(t, []string{"deploy: 3 spawned, 0 updated, 0 killed"}, store.Commits())
}

func TestDeclarationOrderIgnoresSettlementOrder(t *testing.T) {
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	var merged *ir.Target
	bSettled := make(chan struct{})
	desc := func(ctx context.Context, dc *DeployContext) error {
		first := dc.Declare(hookFor(p), func(ctx context.Context) (*ir.Target, error) {
			<-bSettled
			return &ir.Target{Name: "first", Props: ir.Values{"id": "A"}}, nil
		})
		dc.Declare(hookFor(p), func(ctx context.Context) (*ir.Target, error) {
			defer close(bSettled)
			return &ir.Target{Name: "second", Props: ir.Values{"id": "B"}}, nil
		})
		var err error
		merged, err = first.Wait(ctx)
		return err
	}

	_, err := eng.Run(context.Background(), desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spawn A A", "spawn A B"}, calls.all())
	require.NotNil(t, merged)
	require.NotNil(t, merged.Identity)
	assert.Equal(t, ir.Values{"id": "A"}, merged.Identity.Values)
}

func TestEphemeralFieldsAreIgnored(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	p.ephemeral = []string{"timestamp"}
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	res, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "timestamp": "t1"}), Options{})
	require.NoError(t, err)
	assert.NotContains(t, res.Ledger.Targets[0].State, "timestamp")

	data, err := store.Get(state.LedgerDocument).Data(ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "timestamp")

	res, err = eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "timestamp": "t2"}), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Reused)
	assert.Equal(t, []string{"spawn A a"}, calls.all())
}

func TestIdentityHashIgnoresKeyOrder(t *testing.T) {
	first := ir.Values{}
	first["zone"] = "eu"
	first["name"] = "web"
	first["spec"] = map[string]any{"b": 2, "a": []any{1, "x"}}

	second := ir.Values{}
	second["spec"] = map[string]any{"a": []any{1.0, "x"}, "b": 2.0}
	second["name"] = "web"
	second["zone"] = "eu"

	h1, err := HashIdentity(first)
	require.NoError(t, err)
	h2, err := HashIdentity(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	other, err := HashIdentity(ir.Values{"name": "web", "zone": "us"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)
}

func TestIdentityHashKeepsLargeIntegers(t *testing.T) {
	hash := func(v any) string {
		t.Helper()
		h, err := HashIdentity(ir.Values{"account": v})
		require.NoError(t, err)
		return h
	}

	assert.NotEqual(t, hash(int64(9007199254740993)), hash(int64(9007199254740992)))
	assert.NotEqual(t, hash(uint64(18446744073709551615)), hash(uint64(18446744073709551614)))
	assert.Equal(t, hash(int64(9007199254740993)), hash(uint64(9007199254740993)))
	assert.Equal(t, hash(1), hash(1.0))
	assert.Equal(t, hash([]any{2, 0.5}), hash([]any{2.0, 0.5}))
	assert.NotEqual(t, hash(0.5), hash(1))

	changes := Diff(ir.Values{"n": int64(9007199254740993)}, ir.Values{"n": int64(9007199254740992)})
	assert.Equal(t, []string{"n"}, changes.Keys())
}

func TestRollbackCompleteness(t *testing.T) {
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	p.failSpawn = map[string]error{"t3": errors.New("quota exceeded")}
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	var targets []ir.Values
	for i := 1; i <= 5; i++ {
		targets = append(targets, ir.Values{"id": fmt.Sprintf("t%d", i)})
	}

	res, err := eng.Run(context.Background(), declareAll(hookFor(p), targets...), Options{})
	require.Error(t, err)

	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "A", ae.Plugin)
	assert.Equal(t, "spawn", ae.Action)
	assert.Equal(t, "t3", ae.Target)

	assert.Equal(t, []string{"spawn A t1", "spawn A t2", "spawn A t3"}, calls.all())
	assert.Equal(t, []string{"revert spawn t2", "revert spawn t1"}, reverts.all())
	assert.Empty(t, store.Commits())
	assert.Equal(t, PhaseDone, res.Phase)

	locked, err := state.IsLocked(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestPruningScenario(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	a := newFake("A", calls, &callLog{})
	b := newFake("B", calls, &callLog{})
	store := state.NewMemoryStore()
	seedLedger(t, store, &ir.Ledger{
		Version: ir.LedgerVersion,
		Plugins: map[string]string{"A": "test/A", "B": "test/B"},
		Targets: []*ir.TargetRecord{
			{Plugin: "A", State: ir.Values{"id": "H1"}},
			{Plugin: "B", State: ir.Values{"id": "H2"}},
		},
	})

	eng := NewEngine(store, plugin.NewCatalog(hookFor(a), hookFor(b)))
	res, err := eng.Run(ctx, declareAll(hookFor(a), ir.Values{"id": "H1"}, ir.Values{"id": "H3"}), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"spawn A H3", "kill B H2"}, calls.all())
	assert.Equal(t, ir.Summary{Spawned: 1, Reused: 1, Killed: 1}, res.Summary)

	committed, err := state.ReadLedger(ctx, store)
	require.NoError(t, err)
	want := []ledgerEntry{{Plugin: "A", ID: "H1"}, {Plugin: "A", ID: "H3"}}
	if diff := cmp.Diff(want, ledgerEntries(committed)); diff != "" {
		t.Errorf("committed ledger mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"A": "test/A"}, committed.Plugins)
}

func TestPruningKillsInReverseLedgerOrder(t *testing.T) {
	calls := &callLog{}
	a := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	seedLedger(t, store, &ir.Ledger{
		Plugins: map[string]string{"A": "test/A"},
		Targets: []*ir.TargetRecord{
			{Plugin: "A", State: ir.Values{"id": "x"}},
			{Plugin: "A", State: ir.Values{"id": "y"}},
			{Plugin: "A", State: ir.Values{"id": "z"}},
		},
	})

	eng := NewEngine(store, plugin.NewCatalog(hookFor(a)))
	_, err := eng.Run(context.Background(), declareAll(hookFor(a)), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"kill A z", "kill A y", "kill A x"}, calls.all())
}

func TestLockExclusivity(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()

	held, err := state.AcquireLock(ctx, store, "other-deploy")
	require.NoError(t, err)

	described := false
	desc := func(ctx context.Context, dc *DeployContext) error {
		described = true
		dc.Declare(hookFor(p), Props("a", ir.Values{"id": "a"}))
		return nil
	}

	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	res, err := eng.Run(ctx, desc, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrLocked)
	assert.Contains(t, err.Error(), "deployment already in progress")
	assert.Equal(t, PhasePreparing, res.Phase)
	assert.False(t, described)
	assert.Empty(t, calls.all())

	require.NoError(t, held.Release(ctx))
	_, err = eng.Run(ctx, desc, Options{})
	require.NoError(t, err)
}

func TestUpdateUsesUpdaterWhenAvailable(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	u := &updatingPlugin{fakePlugin: newFake("A", calls, &callLog{})}
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(u)))

	_, err := eng.Run(ctx, declareAll(hookFor(u), ir.Values{"id": "a", "size": 1, "old": true}), Options{})
	require.NoError(t, err)

	res, err := eng.Run(ctx, declareAll(hookFor(u), ir.Values{"id": "a", "size": 2, "new": "x"}), Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.Summary{Updated: 1}, res.Summary)
	assert.Equal(t, []string{"spawn A a", "update A a new,old,size"}, calls.all())

	require.Len(t, u.changes, 1)
	ch := u.changes[0]
	assert.Equal(t, "create", ch["new"].Action)
	assert.Equal(t, "delete", ch["old"].Action)
	assert.Equal(t, "update", ch["size"].Action)
}

func TestReplaceWithoutUpdater(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	_, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "size": 1}), Options{})
	require.NoError(t, err)

	res, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "size": 2}), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Updated)
	assert.Equal(t, 0, res.Summary.Killed)
	assert.Equal(t, []string{"spawn A a", "kill A a", "spawn A a"}, calls.all())
	assert.Equal(t, 2, res.Ledger.Targets[0].State["size"])
}

func TestIntegerAndFloatDoNotDrift(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	_, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "size": 3}), Options{})
	require.NoError(t, err)
	_, err = eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a", "size": 3.0}), Options{})
	require.NoError(t, err)
	assert.Len(t, calls.all(), 1)
}

func TestDuplicateIdentity(t *testing.T) {
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	_, err := eng.Run(context.Background(), declareAll(hookFor(p), ir.Values{"id": "a"}, ir.Values{"id": "a", "x": 1}), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Equal(t, []string{"spawn A a"}, calls.all())
}

func TestNoRevertPersistsBestEffortLedger(t *testing.T) {
	ctx := context.Background()
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	p.failSpawn = map[string]error{"new": errors.New("boom")}
	store := state.NewMemoryStore()
	seedLedger(t, store, &ir.Ledger{
		Plugins: map[string]string{"A": "test/A"},
		Targets: []*ir.TargetRecord{
			{Plugin: "A", State: ir.Values{"id": "x0"}},
			{Plugin: "A", State: ir.Values{"id": "x1"}},
			{Plugin: "A", State: ir.Values{"id": "x2"}},
		},
	})

	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	_, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "x1"}, ir.Values{"id": "new"}, ir.Values{"id": "x2"}), Options{NoRevert: true})
	require.Error(t, err)
	assert.Empty(t, reverts.all())

	committed, err := state.ReadLedger(ctx, store)
	require.NoError(t, err)
	want := []ledgerEntry{{Plugin: "A", ID: "x1"}, {Plugin: "A", ID: "x2"}}
	if diff := cmp.Diff(want, ledgerEntries(committed)); diff != "" {
		t.Errorf("best-effort ledger mismatch (-want +got):\n%s", diff)
	}
	commits := store.Commits()
	require.Len(t, commits, 2)
	assert.Contains(t, commits[1], "partial deploy")
}

func TestDryRunRendersSnapshotWithoutCommitting(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	var sawDryRun bool
	desc := func(ctx context.Context, dc *DeployContext) error {
		sawDryRun = dc.IsDryRun()
		dc.Declare(hookFor(p), Props("a", ir.Values{"id": "a"}))
		return nil
	}

	res, err := eng.Run(ctx, desc, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, sawDryRun)
	assert.Equal(t, []bool{true}, p.dryRuns)
	assert.Contains(t, string(res.Snapshot), "id: a")
	assert.False(t, res.Committed)
	assert.Empty(t, store.Commits())

	data, err := store.Get(state.LedgerDocument).Data(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestActionsRunAndJoinBeforePruning(t *testing.T) {
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	seedLedger(t, store, &ir.Ledger{
		Plugins: map[string]string{"A": "test/A"},
		Targets: []*ir.TargetRecord{{Plugin: "A", State: ir.Values{"id": "old"}}},
	})
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	release := make(chan struct{})
	var result *ActionResult
	desc := func(ctx context.Context, dc *DeployContext) error {
		result = dc.AddAction("bump-version", func(ctx context.Context) (any, error) {
			<-release
			calls.add("action bump-version")
			return "v2", nil
		})
		dc.Declare(hookFor(p), func(ctx context.Context) (*ir.Target, error) {
			close(release)
			return &ir.Target{Props: ir.Values{"id": "new"}}, nil
		})
		return nil
	}

	_, err := eng.Run(context.Background(), desc, Options{})
	require.NoError(t, err)

	got := calls.all()
	require.Len(t, got, 3)
	assert.Equal(t, "kill A old", got[2], "pruning must follow actions")
	v, err := result.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestFailingActionReverts(t *testing.T) {
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))

	desc := func(ctx context.Context, dc *DeployContext) error {
		_, err := dc.Declare(hookFor(p), Props("a", ir.Values{"id": "a"})).Wait(ctx)
		if err != nil {
			return err
		}
		dc.AddAction("notify", func(ctx context.Context) (any, error) {
			return nil, errors.New("webhook down")
		})
		return nil
	}

	_, err := eng.Run(context.Background(), desc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook down")
	assert.Equal(t, []string{"revert spawn a"}, reverts.all())
	assert.Empty(t, store.Commits())
}

func TestDescriptorErrorRevertsAndSettlesPending(t *testing.T) {
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	var later *Pending
	desc := func(ctx context.Context, dc *DeployContext) error {
		if _, err := dc.Declare(hookFor(p), Props("a", ir.Values{"id": "a"})).Wait(ctx); err != nil {
			return err
		}
		later = dc.Declare(hookFor(p), func(ctx context.Context) (*ir.Target, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return errors.New("bad descriptor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := eng.Run(ctx, desc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad descriptor")
	assert.Equal(t, []string{"revert spawn a"}, reverts.all())

	_, err = later.Wait(context.Background())
	assert.Error(t, err)
}

func TestRevertFailuresDoNotStopOtherReverts(t *testing.T) {
	calls, reverts := &callLog{}, &callLog{}
	p := newFake("A", calls, reverts)
	p.failSpawn = map[string]error{"c": errors.New("nope")}
	p.failRev = map[string]error{"b": errors.New("stuck")}
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	res, err := eng.Run(context.Background(), declareAll(hookFor(p), ir.Values{"id": "a"}, ir.Values{"id": "b"}, ir.Values{"id": "c"}), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 revert step(s) also failed")
	assert.Equal(t, []string{"revert spawn b", "revert spawn a"}, reverts.all())

	require.Len(t, res.RevertErrors, 1)
	var re *RevertError
	require.True(t, errors.As(res.RevertErrors[0], &re))
	assert.Equal(t, "b", re.Record.Target)
	assert.Equal(t, "spawn", re.Record.Action)
}

func TestMissingRevertRecordsWarning(t *testing.T) {
	p := newFake("A", &callLog{}, &callLog{})
	p.noRevert = true
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	res, err := eng.Run(context.Background(), declareAll(hookFor(p), ir.Values{"id": "a"}), Options{})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "spawn", res.Warnings[0].Action)
	assert.Contains(t, res.Warnings[0].Message, "no revert")
}

func TestMissingSecretsFailBeforeAnyPluginCall(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	eng.Secrets = secrets.MapSource{"present": "x"}

	_, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a"}), Options{Secrets: []string{"present", "b-missing", "a-missing"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrMissing)
	assert.Contains(t, err.Error(), "a-missing, b-missing")
	assert.Empty(t, calls.all())

	locked, err := state.IsLocked(ctx, store)
	require.NoError(t, err)
	assert.False(t, locked)
}

// failingStore fails Commit or Push on demand.
type failingStore struct {
	*state.MemoryStore
	commitErr error
	pushErr   error
}

func (s *failingStore) Commit(ctx context.Context, message string) (bool, error) {
	if s.commitErr != nil {
		return false, s.commitErr
	}
	return s.MemoryStore.Commit(ctx, message)
}

func (s *failingStore) Push(ctx context.Context) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	return s.MemoryStore.Push(ctx)
}

func TestPersistenceErrors(t *testing.T) {
	errRemote := errors.New("remote rejected")

	tests := []struct {
		name          string
		store         *failingStore
		wantErr       string
		wantCommitted bool
		wantCommits   int
	}{
		{
			name:          "push fails after commit",
			store:         &failingStore{MemoryStore: state.NewMemoryStore(), pushErr: errRemote},
			wantErr:       "ledger committed but push failed",
			wantCommitted: true,
			wantCommits:   1,
		},
		{
			name:          "commit fails",
			store:         &failingStore{MemoryStore: state.NewMemoryStore(), commitErr: errRemote},
			wantErr:       "failed to commit ledger",
			wantCommitted: false,
			wantCommits:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			calls := &callLog{}
			p := newFake("A", calls, &callLog{})
			eng := NewEngine(tt.store, plugin.NewCatalog(hookFor(p)))

			res, err := eng.Run(ctx, declareAll(hookFor(p), ir.Values{"id": "a"}), Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, errRemote)
			assert.Contains(t, err.Error(), tt.wantErr)
			require.NotNil(t, res)
			assert.Equal(t, tt.wantCommitted, res.Committed)
			assert.Len(t, tt.store.Commits(), tt.wantCommits)
			assert.Zero(t, tt.store.Pushes())
			assert.Equal(t, []string{"spawn A a"}, calls.all())

			locked, err := state.IsLocked(ctx, tt.store)
			require.NoError(t, err)
			assert.False(t, locked, "lock must be released after a persistence error")
		})
	}
}

func TestSecretsAreRedactedInLedger(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	eng.Secrets = secrets.MapSource{"token": "hunter2"}

	desc := func(ctx context.Context, dc *DeployContext) error {
		tok, err := dc.Secret("token")
		if err != nil {
			return err
		}
		dc.Declare(hookFor(p), Props("a", ir.Values{"id": "a", "auth": tok}))
		return nil
	}

	_, err := eng.Run(ctx, desc, Options{Secrets: []string{"token"}})
	require.NoError(t, err)

	data, err := store.Get(state.LedgerDocument).Data(ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), "secret:token:")

	digests, err := store.Get(SecretsDocument).Data(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(digests), "token:")
	assert.NotContains(t, string(digests), "hunter2")

	_, err = eng.Run(ctx, desc, Options{Secrets: []string{"token"}})
	require.NoError(t, err)
	assert.Len(t, calls.all(), 1, "redacted snapshot must compare equal on the next run")
}

type killCapture struct {
	*fakePlugin
	killed []ir.Values
}

func (k *killCapture) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	k.killed = append(k.killed, t.State.Clone())
	return k.fakePlugin.Kill(ctx, t)
}

func TestSecretUsedAsIdentity(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := &killCapture{fakePlugin: newFake("A", calls, &callLog{})}
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	eng.Secrets = secrets.MapSource{"bucket": "prod-assets", "token": "hunter2"}
	opts := Options{Secrets: []string{"bucket", "token"}}

	desc := func(ctx context.Context, dc *DeployContext) error {
		bucket, err := dc.Secret("bucket")
		if err != nil {
			return err
		}
		tok, err := dc.Secret("token")
		if err != nil {
			return err
		}
		dc.Declare(hookFor(p), Props("assets", ir.Values{"id": bucket, "auth": tok}))
		return nil
	}

	res, err := eng.Run(ctx, desc, opts)
	require.NoError(t, err)
	assert.Equal(t, ir.Summary{Spawned: 1}, res.Summary)
	assert.Equal(t, "prod-assets", res.Ledger.Targets[0].State["id"])
	assert.Contains(t, res.Ledger.Targets[0].State["auth"], "secret:token:")

	res, err = eng.Run(ctx, desc, opts)
	require.NoError(t, err)
	assert.Equal(t, ir.Summary{Reused: 1}, res.Summary)
	assert.Equal(t, []string{"spawn A prod-assets"}, calls.all())

	// Pruning hands the plugin real values, not placeholders.
	res, err = eng.Run(ctx, func(context.Context, *DeployContext) error { return nil }, opts)
	require.NoError(t, err)
	assert.Equal(t, ir.Summary{Killed: 1}, res.Summary)
	assert.Equal(t, []string{"spawn A prod-assets", "kill A prod-assets"}, calls.all())
	require.Len(t, p.killed, 1)
	assert.Equal(t, "hunter2", p.killed[0]["auth"])
}

func TestRedactedIdentityFromOlderLedgerStillMatches(t *testing.T) {
	ctx := context.Background()
	calls := &callLog{}
	p := newFake("A", calls, &callLog{})
	store := state.NewMemoryStore()
	eng := NewEngine(store, plugin.NewCatalog(hookFor(p)))
	eng.Secrets = secrets.MapSource{"bucket": "prod-assets"}
	opts := Options{Secrets: []string{"bucket"}}

	m, err := secrets.Resolve(ctx, eng.Secrets, opts.Secrets)
	require.NoError(t, err)
	placeholder := "secret:bucket:" + m.Digest()["bucket"][:16]
	seedLedger(t, store, &ir.Ledger{
		Version: ir.LedgerVersion,
		Plugins: map[string]string{"A": "test/A"},
		Targets: []*ir.TargetRecord{{Plugin: "A", State: ir.Values{"id": placeholder}}},
	})

	desc := func(ctx context.Context, dc *DeployContext) error {
		bucket, err := dc.Secret("bucket")
		if err != nil {
			return err
		}
		dc.Declare(hookFor(p), Props("assets", ir.Values{"id": bucket}))
		return nil
	}
	res, err := eng.Run(ctx, desc, opts)
	require.NoError(t, err)
	assert.Empty(t, calls.all())
	assert.Equal(t, ir.Summary{Reused: 1}, res.Summary)
	assert.Equal(t, "prod-assets", res.Ledger.Targets[0].State["id"])
}

func TestUndeclaredSecret(t *testing.T) {
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog())
	_, err := eng.Run(context.Background(), func(ctx context.Context, dc *DeployContext) error {
		_, err := dc.Secret("unlisted")
		return err
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared as required")
}

func TestEventsAreEmitted(t *testing.T) {
	p := newFake("A", &callLog{}, &callLog{})
	eng := NewEngine(state.NewMemoryStore(), plugin.NewCatalog(hookFor(p)))

	var mu sync.Mutex
	var events []string
	eng.OnEvent = func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Action+" "+ev.Target+" "+ev.Status)
	}

	_, err := eng.Run(context.Background(), declareAll(hookFor(p), ir.Values{"id": "a"}), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spawn a started", "spawn a completed"}, events)
}

func TestPruneUnknownPluginSourceFails(t *testing.T) {
	store := state.NewMemoryStore()
	seedLedger(t, store, &ir.Ledger{
		Plugins: map[string]string{"gone": "test/gone"},
		Targets: []*ir.TargetRecord{{Plugin: "gone", State: ir.Values{"id": "x"}}},
	})
	eng := NewEngine(store, plugin.NewCatalog())

	_, err := eng.Run(context.Background(), declareAll(plugin.HookRef{}), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin source: test/gone")
}
