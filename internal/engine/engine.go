// Package engine reconciles declared targets against the ledger of the
// previous run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/picklr-io/reconciler/internal/secrets"
	"github.com/picklr-io/reconciler/internal/state"
	"golang.org/x/sync/errgroup"
)

// Engine runs reconciliations against one ledger store.
type Engine struct {
	store   state.Store
	catalog *plugin.Catalog

	// Secrets resolves Options.Secrets. Nil means no secrets can resolve.
	Secrets secrets.Source

	// OnEvent, if set, receives progress events.
	OnEvent EventCallback

	// CrashLog is where abnormal termination diagnostics are appended.
	CrashLog string

	// Owner identifies this process in the deployment lock.
	Owner string
}

func NewEngine(store state.Store, catalog *plugin.Catalog) *Engine {
	if catalog == nil {
		catalog = plugin.NewCatalog()
	}
	return &Engine{store: store, catalog: catalog}
}

// Options control a single run.
type Options struct {
	// DryRun skips the ledger commit and returns the rendered ledger in
	// Result.Snapshot. Plugins still run and must check plugin.IsDryRun.
	DryRun bool

	// NoRevert persists a best-effort ledger on failure instead of running
	// the revert stack.
	NoRevert bool

	// Secrets must all resolve before anything else happens.
	Secrets []string

	// Message is the ledger commit message.
	Message string

	// Environment is committed as non-secret run metadata.
	Environment map[string]any
}

// Result describes what a run did. It is returned even when Run fails.
type Result struct {
	Phase        Phase
	Summary      ir.Summary
	Ledger       *ir.Ledger
	Snapshot     []byte
	Committed    bool
	Warnings     []Warning
	RevertErrors []error
}

type run struct {
	engine  *Engine
	opts    Options
	log     *slog.Logger
	loader  *plugin.Loader
	queue   *declarationQueue
	reverts revertStack
	guard   *crashGuard
	cache   *Cache
	secrets *secrets.Map

	actions       *errgroup.Group
	actionCtx     context.Context
	actionsMu     sync.Mutex
	actionsJoined bool

	mu     sync.Mutex
	result *Result
	env    map[string]any
}

// Run executes desc and reconciles everything it declares. The deployment
// lock is held for the whole run and always released.
func (e *Engine) Run(ctx context.Context, desc Descriptor, opts Options) (res *Result, err error) {
	r := &run{
		engine: e,
		opts:   opts,
		log:    logging.With("run", time.Now().UTC().Format("20060102T150405.000")),
		loader: plugin.NewLoader(e.catalog),
		guard:  newCrashGuard(e.CrashLog),
		result: &Result{},
		env:    make(map[string]any),
	}
	for k, v := range opts.Environment {
		r.env[k] = v
	}
	res = r.result

	r.setPhase(PhasePreparing)
	lock, err := state.AcquireLock(ctx, e.store, e.owner())
	if err != nil {
		return res, err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			r.log.Error("failed to release deployment lock", "error", relErr)
			err = errors.Join(err, relErr)
		}
	}()

	r.secrets, err = secrets.Resolve(ctx, e.Secrets, opts.Secrets)
	if err != nil {
		return res, err
	}

	store := e.store
	if opts.DryRun {
		store = state.NewDryRunStore(e.store)
	}
	prev, err := state.ReadLedger(ctx, store)
	if err != nil {
		return res, err
	}
	r.cache = NewCache(prev)
	r.cache.RedactSecrets(r.secrets)
	r.log.Info("previous ledger loaded", "targets", len(prev.Targets))

	stopGuard := r.guard.start()
	defer stopGuard()

	ctx = plugin.WithDryRun(ctx, opts.DryRun)
	r.queue = newDeclarationQueue(ctx)

	runErr := r.execute(ctx, desc)
	pruneStarted := false
	if runErr == nil {
		pruneStarted = true
		runErr = r.prune(ctx)
	}
	if runErr != nil {
		return res, r.fail(ctx, store, runErr, pruneStarted)
	}

	r.setPhase(PhaseCommitting)
	ledger := r.cache.Refresh()
	if err := r.persist(ctx, store, ledger, r.message()); err != nil {
		return res, err
	}
	r.setPhase(PhaseDone)
	r.log.Info("deployment complete",
		"spawned", res.Summary.Spawned, "updated", res.Summary.Updated,
		"reused", res.Summary.Reused, "killed", res.Summary.Killed,
		"warnings", len(res.Warnings))
	return res, nil
}

func (e *Engine) owner() string {
	if e.Owner != "" {
		return e.Owner
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s", os.Getenv("USER"), host)
}

func (r *run) setPhase(p Phase) {
	r.mu.Lock()
	r.result.Phase = p
	r.mu.Unlock()
	r.log.Info("phase", "phase", p.String())
}

func (r *run) emit(ev Event) {
	if r.engine.OnEvent != nil {
		r.engine.OnEvent(ev)
	}
}

func (r *run) warn(w Warning) {
	r.log.Warn(w.Message, "plugin", w.Plugin, "action", w.Action, "target", w.Target)
	r.mu.Lock()
	r.result.Warnings = append(r.result.Warnings, w)
	r.mu.Unlock()
}

func (r *run) count(f func(s *ir.Summary)) {
	r.mu.Lock()
	f(&r.result.Summary)
	r.mu.Unlock()
}

// execute runs the descriptor, the declaration consumer and the actions,
// and returns the first error in that order of precedence: consumer,
// descriptor, actions.
func (r *run) execute(ctx context.Context, desc Descriptor) error {
	r.setPhase(PhaseLoading)

	r.actions, r.actionCtx = errgroup.WithContext(ctx)

	consumed := make(chan error, 1)
	go func() { consumed <- r.consume(ctx) }()

	descErr := r.describe(ctx, desc)
	if descErr != nil {
		r.queue.abort(descErr)
	} else {
		r.queue.close()
	}

	r.setPhase(PhaseReconciling)
	consumeErr := <-consumed
	r.queue.release()
	actionErr := r.joinActions()

	switch {
	case consumeErr != nil:
		return consumeErr
	case descErr != nil:
		return descErr
	default:
		return actionErr
	}
}

func (r *run) describe(ctx context.Context, desc Descriptor) (err error) {
	if desc == nil {
		return errors.New("no descriptor")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("descriptor panicked: %v", p)
		}
	}()
	if err := desc(ctx, &DeployContext{run: r}); err != nil {
		return fmt.Errorf("descriptor failed: %w", err)
	}
	return nil
}

// consume is the single consumer of the declaration queue. Declaration i+1
// is not looked at before declaration i is fully reconciled.
func (r *run) consume(ctx context.Context) error {
	for i := 0; ; i++ {
		d, ok, err := r.queue.next(ctx, i)
		if err != nil {
			r.queue.fail(i, err)
			if errors.Is(err, ctx.Err()) {
				return err
			}
			// aborted by the descriptor, which reports its own error
			return nil
		}
		if !ok {
			return nil
		}

		select {
		case <-d.ready:
		case <-ctx.Done():
			r.queue.fail(i, ctx.Err())
			return ctx.Err()
		case <-r.queue.stopped():
			if err := ctx.Err(); err != nil {
				r.queue.fail(i, err)
				return err
			}
			// aborted by the descriptor while the source was still running
			r.queue.fail(i, context.Cause(r.queue.ctx))
			return nil
		}

		if d.err != nil {
			err := fmt.Errorf("declaration %d: %w", d.index, d.err)
			r.queue.fail(i, err)
			return err
		}

		t, err := r.reconcile(ctx, d)
		if err != nil {
			r.queue.fail(i, err)
			return err
		}
		d.pending.settle(t, nil)
	}
}

// prune kills every previous ledger entry not reused this run, newest first.
func (r *run) prune(ctx context.Context) error {
	r.setPhase(PhasePruning)
	prev := r.cache.Previous()

	for _, i := range r.cache.Unreused() {
		rec := prev.Targets[i]
		p, err := r.loadRecordPlugin(ctx, prev, rec)
		if err != nil {
			return fmt.Errorf("failed to load plugin for ledger entry %d: %w", i, err)
		}

		t := r.cache.recordTarget(rec)
		if id, err := identify(ctx, p, t, plugin.EphemeralSet(p)); err == nil {
			t.Identity = id
		}
		if err := r.act(ctx, p, "kill", t, func(ctx context.Context) (plugin.RevertFunc, error) {
			return p.Kill(ctx, t)
		}); err != nil {
			return err
		}
		r.cache.MarkKilled(i)
		r.count(func(s *ir.Summary) { s.Killed++ })
	}
	return nil
}

func (r *run) loadRecordPlugin(ctx context.Context, prev *ir.Ledger, rec *ir.TargetRecord) (plugin.Plugin, error) {
	if p, ok := r.loader.Loaded(rec.Plugin); ok {
		return p, nil
	}
	src, ok := prev.Plugins[rec.Plugin]
	if !ok {
		return nil, fmt.Errorf("ledger has no source for plugin %s", rec.Plugin)
	}
	p, err := r.loader.LoadSource(ctx, src)
	if err != nil {
		return nil, err
	}
	if p.Name() != rec.Plugin {
		return nil, fmt.Errorf("source %s provides plugin %s, ledger expects %s", src, p.Name(), rec.Plugin)
	}
	return p, nil
}

// fail handles a failed run: revert everything, or persist a best-effort
// ledger when reverting is disabled. It returns the run error.
func (r *run) fail(ctx context.Context, store state.Store, runErr error, pruneStarted bool) error {
	r.log.Error("deployment failed", "error", runErr)
	var ae *ActionError
	if errors.As(runErr, &ae) {
		r.log.Error("failing action", "plugin", ae.Plugin, "action", ae.Action, "target", ae.Target)
	}

	if r.opts.NoRevert {
		r.setPhase(PhaseCommitting)
		ledger := r.cache.BestEffort(pruneStarted)
		msg := fmt.Sprintf("partial deploy after failure: %v", runErr)
		if err := r.persist(ctx, store, ledger, msg); err != nil {
			return errors.Join(runErr, err)
		}
		r.setPhase(PhaseDone)
		return runErr
	}

	r.setPhase(PhaseReverting)
	revertCtx := context.WithoutCancel(ctx)
	r.log.Info("reverting", "steps", r.reverts.len())
	errs := r.reverts.unwind(revertCtx, r.guard)
	r.mu.Lock()
	r.result.RevertErrors = errs
	r.mu.Unlock()
	r.setPhase(PhaseDone)
	if len(errs) > 0 {
		return fmt.Errorf("%w (%d revert step(s) also failed)", runErr, len(errs))
	}
	return runErr
}

// persist writes ledger to store and commits it, or renders it as a
// snapshot under dry run.
func (r *run) persist(ctx context.Context, store state.Store, ledger *ir.Ledger, message string) error {
	r.mu.Lock()
	r.result.Ledger = ledger
	env := make(map[string]any, len(r.env))
	for k, v := range r.env {
		env[k] = v
	}
	r.mu.Unlock()

	if r.opts.DryRun {
		snapshot, err := state.EncodeLedger(ledger)
		if err != nil {
			return err
		}
		r.result.Snapshot = snapshot
	}

	committed, err := r.cache.Commit(ctx, store, ledger, Ancillary{Environment: env, Secrets: r.secrets}, message)
	r.result.Committed = committed
	return err
}

func (r *run) message() string {
	if r.opts.Message != "" {
		return r.opts.Message
	}
	s := r.result.Summary
	return fmt.Sprintf("deploy: %d spawned, %d updated, %d killed", s.Spawned, s.Updated, s.Killed)
}
