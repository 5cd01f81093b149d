package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// reconcile pulls, identifies and diffs one declared target and runs
// whatever plugin action brings it in line with the ledger.
func (r *run) reconcile(ctx context.Context, d *declaration) (*ir.Target, error) {
	p, err := r.loader.Load(ctx, d.hook)
	if err != nil {
		return nil, err
	}
	ephemeral := plugin.EphemeralSet(p)
	t := d.target
	log := r.log.With("plugin", p.Name(), "target", t.Label())

	if puller, ok := p.(plugin.Puller); ok {
		pulled, err := puller.Pull(ctx, t.Props.Clone())
		if err != nil {
			return nil, &ActionError{Plugin: p.Name(), Action: "pull", Target: t.Label(), Err: err}
		}
		t.State = pulled
	}

	id, err := identify(ctx, p, t, ephemeral)
	if err != nil {
		return nil, &ActionError{Plugin: p.Name(), Action: "identify", Target: t.Label(), Err: err}
	}
	t.Identity = id
	if err := r.cache.Claim(p.Name(), id.Hash); err != nil {
		return nil, fmt.Errorf("declaration %d (%s): %w", d.index, t.Label(), err)
	}

	rec, idx, found, err := r.cache.Lookup(ctx, p, id.Hash)
	if err != nil {
		return nil, err
	}

	if !found {
		log.Debug("no ledger entry, spawning")
		if err := r.act(ctx, p, "spawn", t, func(ctx context.Context) (plugin.RevertFunc, error) {
			return p.Spawn(ctx, t)
		}); err != nil {
			return nil, err
		}
		r.count(func(s *ir.Summary) { s.Spawned++ })
		r.cache.Complete(p, d.hook.Source, t)
		return t, nil
	}

	before := r.cache.recordSnapshot(rec, id, ephemeral)
	after := r.cache.snapshot(t, ephemeral)
	changes := Diff(before, after)
	if len(changes) == 0 {
		log.Debug("unchanged, reusing")
		r.cache.MarkReused(idx)
		r.count(func(s *ir.Summary) { s.Reused++ })
		r.cache.Complete(p, d.hook.Source, t)
		return t, nil
	}

	log.Debug("drift detected", "fields", changes.Keys(), "diff", describeDrift(before, after))
	if updater, ok := p.(plugin.Updater); ok {
		if err := r.act(ctx, p, "update", t, func(ctx context.Context) (plugin.RevertFunc, error) {
			return updater.Update(ctx, t, changes)
		}); err != nil {
			return nil, err
		}
	} else {
		old := r.cache.recordTarget(rec)
		old.Name = t.Name
		old.Identity = id
		if err := r.act(ctx, p, "kill", old, func(ctx context.Context) (plugin.RevertFunc, error) {
			return p.Kill(ctx, old)
		}); err != nil {
			return nil, err
		}
		if err := r.act(ctx, p, "spawn", t, func(ctx context.Context) (plugin.RevertFunc, error) {
			return p.Spawn(ctx, t)
		}); err != nil {
			return nil, err
		}
	}
	r.cache.MarkReused(idx)
	r.count(func(s *ir.Summary) { s.Updated++ })
	r.cache.Complete(p, d.hook.Source, t)
	return t, nil
}

// act runs one mutating plugin call under the crash guard, reports it and
// records its revert.
func (r *run) act(ctx context.Context, p plugin.Plugin, action string, t *ir.Target, fn func(context.Context) (plugin.RevertFunc, error)) error {
	label := t.Label()
	leave := r.guard.enter(p.Name(), action, label)
	defer leave()
	defer func() {
		if rec := recover(); rec != nil {
			r.guard.report(fmt.Sprintf("panic in %s %s: %v", p.Name(), action, rec))
			panic(rec)
		}
	}()

	start := time.Now()
	r.emit(Event{Plugin: p.Name(), Action: action, Target: label, Status: "started"})
	undo, err := fn(ctx)
	if err != nil {
		r.emit(Event{Plugin: p.Name(), Action: action, Target: label, Status: "failed", Duration: time.Since(start), Err: err})
		return &ActionError{Plugin: p.Name(), Action: action, Target: label, Err: err}
	}
	r.emit(Event{Plugin: p.Name(), Action: action, Target: label, Status: "completed", Duration: time.Since(start)})

	if undo == nil {
		r.warn(Warning{Plugin: p.Name(), Action: action, Target: label,
			Message: "action returned no revert, rollback will be incomplete"})
		return nil
	}
	r.reverts.push(RevertRecord{Plugin: p.Name(), Action: action, Target: label, Undo: undo})
	return nil
}
