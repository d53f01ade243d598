// Package callchain implements the reentrancy-detection and trace
// propagation machinery of spec §4.8: every externally-originated request
// opens a Chain that is threaded through envelope metadata and restored into
// ambient context on the receiving side, so a dispatcher can refuse to
// re-enter an actor already on the chain's call path.
package callchain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrReentrant is returned by Enter when actorType/actorID is already in the
// chain's visited set.
var ErrReentrant = errors.New("callchain: reentrant call detected")

// ErrDepthExceeded is returned by Enter when depth would exceed the chain's
// configured maximum, the runaway-fan-in guard from spec §4.8.
var ErrDepthExceeded = errors.New("callchain: max call depth exceeded")

// ErrDeadlineExceeded is returned by Enter once the chain's deadline has
// passed.
var ErrDeadlineExceeded = errors.New("callchain: chain deadline exceeded")

// actorKey identifies a visited actor instance within a chain.
type actorKey struct {
	ActorType, ActorID string
}

// Chain is the call-chain record from spec §3: an opaque id, the set of
// actors already visited along this logical request tree, a hop count, and
// an absolute deadline. A Chain is immutable; Enter returns a new Chain with
// the callee added to visited, mirroring the way envelope metadata carries a
// fresh snapshot on each hop rather than a shared mutable structure.
type Chain struct {
	ID       string
	visited  map[actorKey]struct{}
	Depth    int
	Deadline time.Time
	MaxDepth int
}

// DefaultMaxDepth bounds runaway fan-in when a caller doesn't configure one
// explicitly.
const DefaultMaxDepth = 64

// New starts a fresh chain for an externally-originated request, per spec
// §4.8 ("each externally-originated request begins a chain").
func New(ttl time.Duration, maxDepth int) *Chain {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	return &Chain{
		ID:       uuid.NewString(),
		visited:  make(map[actorKey]struct{}),
		Depth:    0,
		Deadline: time.Now().Add(ttl),
		MaxDepth: maxDepth,
	}
}

// Enter checks whether actorType/actorID may be dispatched to next within
// this chain, and if so returns the chain to propagate to that actor's
// turn (self with actorType/actorID added to visited, depth incremented).
//
// Self-calls within the same dispatcher turn never go through Enter at all:
// they are plain Go method calls made while a turn is already active, not a
// new envelope dispatch, so they cannot trip reentrancy detection by
// construction. Enter is only ever invoked at the dispatch boundary --
// i.e. when an envelope is about to be handed to a *new* turn -- which
// resolves spec §9 open question 1: the self-call exception is scoped to
// "doesn't cross the dispatch boundary", not to any same-turn/cross-turn
// distinction Enter itself would need to adjudicate.
func (c *Chain) Enter(actorType, actorID string) (*Chain, error) {
	if !c.Deadline.IsZero() && time.Now().After(c.Deadline) {
		return nil, ErrDeadlineExceeded
	}

	if c.Depth+1 > c.MaxDepth {
		return nil, ErrDepthExceeded
	}

	key := actorKey{actorType, actorID}
	if _, seen := c.visited[key]; seen {
		return nil, ErrReentrant
	}

	next := &Chain{
		ID:       c.ID,
		visited:  make(map[actorKey]struct{}, len(c.visited)+1),
		Depth:    c.Depth + 1,
		Deadline: c.Deadline,
		MaxDepth: c.MaxDepth,
	}

	for k := range c.visited {
		next.visited[k] = struct{}{}
	}
	next.visited[key] = struct{}{}

	return next, nil
}

// Visited reports whether actorType/actorID is already on this chain's call
// path, without attempting to advance it. Useful for pre-flight checks
// before building an outbound envelope.
func (c *Chain) Visited(actorType, actorID string) bool {
	_, ok := c.visited[actorKey{actorType, actorID}]
	return ok
}

type chainContextKey struct{}

// WithChain returns a context carrying chain, restored from envelope
// metadata on the receiving side of a hop per spec §4.8 ("the chain is
// carried in envelope metadata and restored into ambient context").
func WithChain(ctx context.Context, chain *Chain) context.Context {
	return context.WithValue(ctx, chainContextKey{}, chain)
}

// FromContext recovers the active chain, if any. ok is false for a context
// that never had WithChain applied -- e.g. a locally-originated request
// about to call New for the first time.
func FromContext(ctx context.Context) (*Chain, bool) {
	chain, ok := ctx.Value(chainContextKey{}).(*Chain)
	return chain, ok
}
