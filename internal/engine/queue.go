package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
)

var errQueueClosed = errors.New("declaration made after the descriptor returned")

// TargetSource produces a target's declared props, possibly after waiting on
// other declarations or external data.
type TargetSource func(ctx context.Context) (*ir.Target, error)

// Props wraps an already known target.
func Props(name string, props ir.Values) TargetSource {
	return func(context.Context) (*ir.Target, error) {
		return &ir.Target{Name: name, Props: props}, nil
	}
}

// Pending is the eventual result of one declaration.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	target *ir.Target
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) settle(t *ir.Target, err error) {
	p.once.Do(func() {
		p.target = t
		p.err = err
		close(p.done)
	})
}

// Done is closed once the declaration has been reconciled or failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the declaration is reconciled and returns the merged
// target. A source must only wait on declarations made before its own.
func (p *Pending) Wait(ctx context.Context) (*ir.Target, error) {
	select {
	case <-p.done:
		return p.target, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// declaration is one queue entry. Its source resolves in its own goroutine;
// ready closes when it has.
type declaration struct {
	index   int
	hook    plugin.HookRef
	ready   chan struct{}
	target  *ir.Target
	err     error
	pending *Pending
}

func (d *declaration) resolve(ctx context.Context, src TargetSource) {
	defer close(d.ready)
	defer func() {
		if r := recover(); r != nil {
			d.err = fmt.Errorf("target source panicked: %v", r)
		}
	}()
	if src == nil {
		d.err = fmt.Errorf("declaration %d has no target source", d.index)
		return
	}
	t, err := src(ctx)
	if err == nil && t == nil {
		err = fmt.Errorf("declaration %d resolved to no target", d.index)
	}
	d.target, d.err = t, err
}

// declarationQueue is an ordered, unbounded queue with any number of
// producers and exactly one consumer. Position is fixed at push time.
type declarationQueue struct {
	mu     sync.Mutex
	items  []*declaration
	closed bool
	err    error // set by abort or fail; later pushes fail with it
	wake   chan struct{}

	// ctx is what sources resolve under. It is cancelled on abort or fail
	// so that blocked sources and the consumer both unwind.
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newDeclarationQueue(ctx context.Context) *declarationQueue {
	qctx, cancel := context.WithCancelCause(ctx)
	return &declarationQueue{wake: make(chan struct{}, 1), ctx: qctx, cancel: cancel}
}

func (q *declarationQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// push appends a declaration and starts resolving its source.
func (q *declarationQueue) push(hook plugin.HookRef, src TargetSource) *Pending {
	p := newPending()

	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		p.settle(nil, err)
		return p
	}
	if q.closed {
		q.mu.Unlock()
		p.settle(nil, errQueueClosed)
		return p
	}
	d := &declaration{
		index:   len(q.items),
		hook:    hook,
		ready:   make(chan struct{}),
		pending: p,
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	go d.resolve(q.ctx, src)
	q.signal()
	return p
}

// close marks the end of declarations; the consumer drains what is queued.
func (q *declarationQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// abort stops the consumer at its next boundary. Unprocessed declarations
// and later pushes fail with err.
func (q *declarationQueue) abort(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel(err)
	q.signal()
}

// stopped is closed once the queue was aborted or failed, or released.
func (q *declarationQueue) stopped() <-chan struct{} { return q.ctx.Done() }

// release cancels sources still running once the consumer is finished.
func (q *declarationQueue) release() { q.cancel(context.Canceled) }

// next blocks until declaration i exists. It returns false once the queue
// is closed and drained, or aborted.
func (q *declarationQueue) next(ctx context.Context, i int) (*declaration, bool, error) {
	for {
		q.mu.Lock()
		switch {
		case q.err != nil:
			err := q.err
			q.mu.Unlock()
			return nil, false, err
		case i < len(q.items):
			d := q.items[i]
			q.mu.Unlock()
			return d, true, nil
		case q.closed:
			q.mu.Unlock()
			return nil, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// fail settles every declaration from index i on with err and rejects
// further pushes.
func (q *declarationQueue) fail(i int, err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.closed = true
	rest := append([]*declaration(nil), q.items[min(i, len(q.items)):]...)
	q.mu.Unlock()
	q.cancel(err)

	for _, d := range rest {
		d.pending.settle(nil, err)
	}
}

// len reports how many declarations were queued.
func (q *declarationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
