package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promiseImpl is the concrete Promise/Future pair used by Ask: exactly one
// Complete call wins, and any number of Await/ThenApply/OnComplete callers
// observe the same result once it is set.
type promiseImpl[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	result   fn.Result[T]
	complete bool
}

// NewPromise creates an incomplete Promise[T] whose Future can be awaited
// before the result is known.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{done: make(chan struct{})}
}

// Future implements Promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return p
}

// Complete implements Promise. Only the first call sets the result; it
// returns whether this call was the one that won.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return false
	}

	p.result = result
	p.complete = true
	close(p.done)

	return true
}

// Await implements Future.
func (p *promiseImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply implements Future: it returns a new Future that resolves to
// fn(value) once p resolves successfully, or propagates p's error (or an
// error from ctx) untouched.
func (p *promiseImpl[T]) ThenApply(ctx context.Context, apply func(T) T) Future[T] {
	next := NewPromise[T]()

	go func() {
		result := p.Await(ctx)

		value, err := result.Unpack()
		if err != nil {
			next.Complete(fn.Err[T](err))
			return
		}

		next.Complete(fn.Ok(apply(value)))
	}()

	return next.Future()
}

// OnComplete implements Future: fn is invoked exactly once, either with the
// eventual result or with ctx's error if ctx is cancelled first.
func (p *promiseImpl[T]) OnComplete(ctx context.Context, fn_ func(fn.Result[T])) {
	go func() {
		fn_(p.Await(ctx))
	}()
}
