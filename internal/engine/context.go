package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// Descriptor describes a deployment by declaring targets and actions on
// the context it is given.
type Descriptor func(ctx context.Context, dc *DeployContext) error

// DeployContext is what a descriptor can see and do during one run.
type DeployContext struct {
	run *run
}

// Declare queues a target for reconciliation. Reconciliation follows
// declaration order, whatever order the sources resolve in.
func (dc *DeployContext) Declare(hook plugin.HookRef, src TargetSource) *Pending {
	return dc.run.queue.push(hook, src)
}

// DeclareTarget is Declare for a target whose props are already known.
func (dc *DeployContext) DeclareTarget(hook plugin.HookRef, name string, props ir.Values) *Pending {
	return dc.Declare(hook, Props(name, props))
}

// AddAction runs fn concurrently with reconciliation. Every action must
// finish before pruning starts, and a failing action fails the run.
func (dc *DeployContext) AddAction(name string, fn func(ctx context.Context) (any, error)) *ActionResult {
	return dc.run.addAction(name, fn)
}

// IsDryRun reports whether the run will skip committing the ledger.
func (dc *DeployContext) IsDryRun() bool {
	return dc.run.opts.DryRun
}

// Secret returns a secret resolved before the run started. Only names
// listed in Options.Secrets are available.
func (dc *DeployContext) Secret(name string) (string, error) {
	v, ok := dc.run.secrets.Get(name)
	if !ok {
		return "", fmt.Errorf("secret %q was not declared as required", name)
	}
	return v, nil
}

// SetEnv records a non-secret value committed with the ledger.
func (dc *DeployContext) SetEnv(key string, value any) {
	dc.run.mu.Lock()
	defer dc.run.mu.Unlock()
	dc.run.env[key] = value
}

// ActionResult is the eventual outcome of an action.
type ActionResult struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the action finished.
func (a *ActionResult) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		return a.value, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *run) addAction(name string, fn func(ctx context.Context) (any, error)) *ActionResult {
	res := &ActionResult{done: make(chan struct{})}

	r.actionsMu.Lock()
	defer r.actionsMu.Unlock()
	if r.actionsJoined {
		res.err = fmt.Errorf("action %s added after actions were joined", name)
		close(res.done)
		return res
	}

	r.actions.Go(func() (err error) {
		defer close(res.done)
		leave := r.guard.enter("action", name, "-")
		defer leave()
		defer func() {
			if p := recover(); p != nil {
				r.guard.report(fmt.Sprintf("panic in action %s: %v", name, p))
				panic(p)
			}
		}()

		start := time.Now()
		r.emit(Event{Plugin: "action", Action: name, Status: "started"})
		res.value, res.err = fn(r.actionCtx)
		if res.err != nil {
			r.emit(Event{Plugin: "action", Action: name, Status: "failed", Duration: time.Since(start), Err: res.err})
			return &ActionError{Plugin: "action", Action: name, Target: "-", Err: res.err}
		}
		r.emit(Event{Plugin: "action", Action: name, Status: "completed", Duration: time.Since(start)})
		return nil
	})
	return res
}

// joinActions waits for every action and rejects new ones.
func (r *run) joinActions() error {
	err := r.actions.Wait()
	r.actionsMu.Lock()
	r.actionsJoined = true
	r.actionsMu.Unlock()
	return err
}
