package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// functionBehavior adapts a plain function into an ActorBehavior, letting
// simple actors be defined inline without declaring a named type.
type functionBehavior[M Message, R any] struct {
	fn func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior wraps fn as an ActorBehavior[M,R].
func NewFunctionBehavior[M Message, R any](
	fn func(ctx context.Context, msg M) fn.Result[R],
) ActorBehavior[M, R] {
	return &functionBehavior[M, R]{fn: fn}
}

// Receive implements ActorBehavior.
func (f *functionBehavior[M, R]) Receive(ctx context.Context, msg M) fn.Result[R] {
	return f.fn(ctx, msg)
}
