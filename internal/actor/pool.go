package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool distributes messages across a fixed set of homogeneous actor
// instances using round-robin scheduling (spec §9 supplement: a common way
// to host stateless work that doesn't need per-key identity, without
// inventing a second activation mechanism alongside internal/silo's
// per-key registry). Adapted from the teacher's internal/actorutil/pool.go,
// rewritten against this package's own Actor/ActorRef instead of importing
// a second actor runtime.
type Pool[M Message, R any] struct {
	id string

	actors    []ActorRef[M, R]
	rawActors []*Actor[M, R]

	next atomic.Uint64

	wg sync.WaitGroup
}

// PoolConfig configures a new Pool.
type PoolConfig[M Message, R any] struct {
	// ID identifies the pool; member actors are named "<ID>-<index>".
	ID string

	// Size is the number of actor instances to create.
	Size int

	// Factory builds the behavior for pool member idx.
	Factory func(idx int) ActorBehavior[M, R]

	// MailboxSize is the buffer capacity for each member's mailbox.
	MailboxSize int

	// DLO is the dead letter office for undeliverable messages.
	DLO ActorRef[Message, any]
}

// NewPool creates a pool of cfg.Size actors, each built by cfg.Factory and
// started immediately.
func NewPool[M Message, R any](cfg PoolConfig[M, R]) *Pool[M, R] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 100
	}

	p := &Pool[M, R]{
		id:        cfg.ID,
		actors:    make([]ActorRef[M, R], cfg.Size),
		rawActors: make([]*Actor[M, R], cfg.Size),
	}

	for i := 0; i < cfg.Size; i++ {
		a := NewActor(ActorConfig[M, R]{
			ID:          fmt.Sprintf("%s-%d", cfg.ID, i),
			Behavior:    cfg.Factory(i),
			MailboxSize: cfg.MailboxSize,
			DLO:         cfg.DLO,
			Wg:          &p.wg,
		})
		a.Start()

		p.rawActors[i] = a
		p.actors[i] = a.Ref()
	}

	return p
}

// ID returns the pool's identifier.
func (p *Pool[M, R]) ID() string { return p.id }

// Size returns the number of actors in the pool.
func (p *Pool[M, R]) Size() int { return len(p.actors) }

func (p *Pool[M, R]) pick() ActorRef[M, R] {
	idx := p.next.Add(1) % uint64(len(p.actors))
	return p.actors[idx]
}

// Ask sends msg to the next actor in round-robin order.
func (p *Pool[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	return p.pick().Ask(ctx, msg)
}

// Tell sends msg fire-and-forget to the next actor in round-robin order.
func (p *Pool[M, R]) Tell(ctx context.Context, msg M) {
	p.pick().Tell(ctx, msg)
}

// Broadcast sends msg to every actor in the pool.
func (p *Pool[M, R]) Broadcast(ctx context.Context, msg M) {
	for _, a := range p.actors {
		a.Tell(ctx, msg)
	}
}

// BroadcastAsk sends msg to every actor and returns one Future per member.
func (p *Pool[M, R]) BroadcastAsk(ctx context.Context, msg M) []Future[R] {
	futures := make([]Future[R], len(p.actors))
	for i, a := range p.actors {
		futures[i] = a.Ask(ctx, msg)
	}

	return futures
}

// Actors returns a copy of the pool's member references.
func (p *Pool[M, R]) Actors() []ActorRef[M, R] {
	out := make([]ActorRef[M, R], len(p.actors))
	copy(out, p.actors)

	return out
}

// Stop stops every member and waits for their goroutines to exit.
func (p *Pool[M, R]) Stop() {
	for _, a := range p.rawActors {
		a.Stop()
	}

	p.wg.Wait()
}

// poolRef adapts a Pool to the ActorRef interface so a pool can be handed
// anywhere a single ActorRef is expected.
type poolRef[M Message, R any] struct {
	pool *Pool[M, R]
}

// NewPoolRef wraps pool as an ActorRef.
func NewPoolRef[M Message, R any](pool *Pool[M, R]) ActorRef[M, R] {
	return &poolRef[M, R]{pool: pool}
}

func (r *poolRef[M, R]) ID() string { return r.pool.ID() }

func (r *poolRef[M, R]) Tell(ctx context.Context, msg M) { r.pool.Tell(ctx, msg) }

func (r *poolRef[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	return r.pool.Ask(ctx, msg)
}
