package transport

import (
	"context"
	"sync"

	"github.com/quarkrun/quark/internal/envelope"
)

// PendingCalls correlates outbound requests with their eventual response
// envelope by MessageID/CorrelationID (spec §3). One PendingCalls lives per
// silo coordinator and is fed by draining EnvelopeBus.Responses.
type PendingCalls struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

// NewPendingCalls creates an empty correlation table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{waiters: make(map[string]chan *envelope.Envelope)}
}

// Register reserves a slot for req's eventual response, keyed by
// req.MessageID (which equals its CorrelationID once a response arrives).
// Callers must call Forget once they stop waiting, whether or not a
// response arrived, to avoid leaking the slot.
func (p *PendingCalls) Register(req *envelope.Envelope) <-chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)

	p.mu.Lock()
	p.waiters[req.MessageID] = ch
	p.mu.Unlock()

	return ch
}

// Forget removes the waiter for messageID without completing it.
func (p *PendingCalls) Forget(messageID string) {
	p.mu.Lock()
	delete(p.waiters, messageID)
	p.mu.Unlock()
}

// Complete delivers resp to the waiter registered under resp.CorrelationID,
// if any. Returns false if no waiter is registered (e.g. it already timed
// out and was forgotten).
func (p *PendingCalls) Complete(resp *envelope.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.CorrelationID]
	if ok {
		delete(p.waiters, resp.CorrelationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	ch <- resp

	return true
}

// ResponseRouter forwards a response envelope this silo has no registered
// local waiter for -- i.e. one it is relaying on behalf of a remote peer
// that originated the request -- back out over the wire. Satisfied by
// *Transport.
type ResponseRouter interface {
	RouteResponse(ctx context.Context, resp *envelope.Envelope) error
}

// Pump drains bus.Responses, completing whichever local Ask each response
// correlates to. A response with no local waiter didn't originate from this
// silo's own Call/fireReminder path, so it is handed to router to relay back
// to whichever peer silo is actually waiting on it (spec §4.7's transport
// egress subscriber); router may be nil for a silo wired only for local
// loopback, in which case such a response is simply dropped.
func (p *PendingCalls) Pump(ctx context.Context, bus *EnvelopeBus, router ResponseRouter) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-bus.Responses():
			if p.Complete(resp) {
				continue
			}

			if router == nil {
				continue
			}

			if err := router.RouteResponse(ctx, resp); err != nil {
				log.WarnS(ctx, "failed to route response to remote caller", err,
					"actor_type", resp.ActorType, "actor_id", resp.ActorID)
			}
		}
	}
}
