package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueYieldsInPushOrder(t *testing.T) {
	ctx := context.Background()
	q := newDeclarationQueue(ctx)

	gate := make(chan struct{})
	q.push(plugin.HookRef{}, func(context.Context) (*ir.Target, error) {
		<-gate
		return &ir.Target{Name: "slow"}, nil
	})
	q.push(plugin.HookRef{}, Props("fast", nil))
	q.close()

	d0, ok, err := q.next(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	d1, ok, err := q.next(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	<-d1.ready
	assert.Equal(t, "fast", d1.target.Name)

	select {
	case <-d0.ready:
		t.Fatal("slow source resolved before its gate opened")
	default:
	}
	close(gate)
	<-d0.ready
	assert.Equal(t, "slow", d0.target.Name)

	_, ok, err = q.next(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueNextWaitsForPush(t *testing.T) {
	ctx := context.Background()
	q := newDeclarationQueue(ctx)

	got := make(chan *declaration, 1)
	go func() {
		d, _, _ := q.next(ctx, 0)
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	q.push(plugin.HookRef{}, Props("late", nil))

	select {
	case d := <-got:
		require.NotNil(t, d)
		assert.Equal(t, 0, d.index)
	case <-time.After(time.Second):
		t.Fatal("next did not observe the push")
	}
}

func TestQueuePushAfterCloseFails(t *testing.T) {
	q := newDeclarationQueue(context.Background())
	q.close()

	_, err := q.push(plugin.HookRef{}, Props("x", nil)).Wait(context.Background())
	assert.ErrorIs(t, err, errQueueClosed)
	assert.Equal(t, 0, q.len())
}

func TestQueueAbortCancelsSources(t *testing.T) {
	ctx := context.Background()
	q := newDeclarationQueue(ctx)
	boom := errors.New("boom")

	q.push(plugin.HookRef{}, func(ctx context.Context) (*ir.Target, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	q.abort(boom)

	_, _, err := q.next(ctx, 0)
	assert.ErrorIs(t, err, boom)

	d := q.items[0]
	select {
	case <-d.ready:
		assert.ErrorIs(t, d.err, boom)
	case <-time.After(time.Second):
		t.Fatal("source was not cancelled")
	}

	_, err = q.push(plugin.HookRef{}, Props("y", nil)).Wait(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestQueueFailSettlesRemaining(t *testing.T) {
	ctx := context.Background()
	q := newDeclarationQueue(ctx)

	first := q.push(plugin.HookRef{}, Props("a", nil))
	second := q.push(plugin.HookRef{}, Props("b", nil))
	first.settle(&ir.Target{Name: "a"}, nil)

	boom := errors.New("reconcile failed")
	q.fail(1, boom)

	got, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	_, err = second.Wait(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestSourcePanicBecomesError(t *testing.T) {
	q := newDeclarationQueue(context.Background())
	q.push(plugin.HookRef{}, func(context.Context) (*ir.Target, error) {
		panic("kaboom")
	})
	q.push(plugin.HookRef{}, func(context.Context) (*ir.Target, error) {
		return nil, nil
	})

	<-q.items[0].ready
	<-q.items[1].ready
	assert.ErrorContains(t, q.items[0].err, "kaboom")
	assert.ErrorContains(t, q.items[1].err, "resolved to no target")
}

func TestPendingWaitHonorsContext(t *testing.T) {
	p := newPending()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	p.settle(&ir.Target{Name: "x"}, nil)
	p.settle(nil, errors.New("ignored"))
	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
}
