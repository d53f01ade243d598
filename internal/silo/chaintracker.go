package silo

import (
	"sync"
	"time"

	"github.com/quarkrun/quark/internal/callchain"
)

// ChainTracker holds the live callchain.Chain state for every in-flight
// request this silo is currently participating in, keyed by Chain.ID. An
// Envelope only ever carries a ChainID across the wire (spec §3); the full
// chain -- visited set, depth, deadline -- is process-local state a silo
// reconstructs the first time it sees a given ChainID and advances on every
// local dispatch. This scopes exact reentrancy detection to "within one
// silo's involvement in a chain", since cluster-wide chain state would need
// either a new shared store or new wire fields this module's wire shape
// doesn't carry; see DESIGN.md for the full tradeoff.
type ChainTracker struct {
	mu     sync.Mutex
	chains map[string]*callchain.Chain
}

// NewChainTracker creates an empty tracker.
func NewChainTracker() *ChainTracker {
	return &ChainTracker{chains: make(map[string]*callchain.Chain)}
}

// Enter resolves the chain identified by chainID (creating one with the
// given ttl/maxDepth if this silo has not seen it before, which is always
// the case for a freshly originated top-level request, where chainID is
// empty) and attempts to advance it onto actorType/actorID. On success the
// advanced chain is stored back under its own ID and returned.
func (t *ChainTracker) Enter(chainID, actorType, actorID string,
	ttl time.Duration, maxDepth int,
) (*callchain.Chain, error) {

	t.mu.Lock()
	chain, ok := t.chains[chainID]
	t.mu.Unlock()

	if !ok {
		chain = callchain.New(ttl, maxDepth)
	}

	next, err := chain.Enter(actorType, actorID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.chains[next.ID] = next
	t.mu.Unlock()

	return next, nil
}

// Forget drops tracked state for chainID. Nothing in this package calls
// it; Sweep is what bounds the map's size.
func (t *ChainTracker) Forget(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.chains, chainID)
}

// Sweep drops every tracked chain whose deadline has already passed as of
// now. A chain's originating top-level caller doesn't signal back to the
// silos its hops touched, so Sweep, run periodically by the silo
// coordinator, is what reclaims state for chains no further hop can
// legally extend anyway (Enter already refuses any chain past its
// Deadline). Chains with no deadline are never swept.
func (t *ChainTracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, chain := range t.chains {
		if !chain.Deadline.IsZero() && now.After(chain.Deadline) {
			delete(t.chains, id)
		}
	}
}
