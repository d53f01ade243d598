package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func TestPromiseCompleteThenAwait(t *testing.T) {
	p := NewPromise[int]()

	ok := p.Complete(fn.Ok(42))
	require.True(t, ok)

	result := p.Future().Await(context.Background())
	value, err := result.Unpack()
	require.NoError(t, err)
	require.Equal(t, 42, value)
}

func TestPromiseSecondCompleteLoses(t *testing.T) {
	p := NewPromise[int]()

	require.True(t, p.Complete(fn.Ok(1)))
	require.False(t, p.Complete(fn.Ok(2)))

	value, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 1, value)
}

func TestPromiseAwaitBlocksUntilComplete(t *testing.T) {
	p := NewPromise[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete(fn.Ok("done"))
	}()

	value, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, "done", value)
}

func TestPromiseAwaitRespectsContextCancellation(t *testing.T) {
	p := NewPromise[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromiseThenApplyTransformsValue(t *testing.T) {
	p := NewPromise[int]()
	require.True(t, p.Complete(fn.Ok(10)))

	next := p.Future().ThenApply(context.Background(), func(v int) int {
		return v * 2
	})

	value, err := next.Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 20, value)
}

func TestPromiseThenApplyPropagatesError(t *testing.T) {
	p := NewPromise[int]()
	boom := errors.New("boom")
	require.True(t, p.Complete(fn.Err[int](boom)))

	next := p.Future().ThenApply(context.Background(), func(v int) int {
		return v * 2
	})

	_, err := next.Await(context.Background()).Unpack()
	require.ErrorIs(t, err, boom)
}

func TestPromiseOnCompleteInvokesCallback(t *testing.T) {
	p := NewPromise[int]()

	done := make(chan fn.Result[int], 1)
	p.Future().OnComplete(context.Background(), func(r fn.Result[int]) {
		done <- r
	})

	require.True(t, p.Complete(fn.Ok(7)))

	select {
	case r := <-done:
		value, err := r.Unpack()
		require.NoError(t, err)
		require.Equal(t, 7, value)
	case <-time.After(time.Second):
		t.Fatal("OnComplete callback was never invoked")
	}
}
