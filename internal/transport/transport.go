package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/hashring"
)

// ErrUnroutable is returned when no ring member owns the envelope's target
// actor key, e.g. the cluster is empty.
var ErrUnroutable = errors.New("transport: no owner for actor key")

// RemoteSender delivers env to a peer silo reachable at endpoint. Satisfied
// by grpcremote.Client.
type RemoteSender interface {
	Send(ctx context.Context, endpoint string, env *envelope.Envelope) error
}

// ReplySender writes a response envelope back along the connection a peer
// silo used to dial in, keyed by that peer's silo id rather than a network
// endpoint -- satisfied by grpcremote.Server.Send. A silo that only ever
// receives requests from peers that dialed it (never dials out itself for
// that pair) has no "endpoint" to send a response through; it only has the
// inbound stream the peer already opened.
type ReplySender interface {
	Send(ctx context.Context, peerSiloID string, env *envelope.Envelope) error
}

// OriginExtractor recovers the silo id of whichever peer a request arrived
// from out of the delivery context, if the request crossed the wire at all
// (a local loopback Deliver call carries no such peer). Satisfied by
// grpcremote.PeerSiloID.
type OriginExtractor func(ctx context.Context) (peerSiloID string, ok bool)

// Router resolves an actor key to its current owning silo, combining the
// hash ring with membership's view of which silo id maps to which network
// endpoint. Satisfied by internal/membership.Member plus a silo_id ->
// endpoint lookup the coordinator maintains.
type Router interface {
	// OwnerOf returns the silo id that owns key per the current ring.
	OwnerOf(key string) (siloID string, err error)

	// EndpointOf resolves a silo id to a dialable network address.
	EndpointOf(siloID string) (endpoint string, ok bool)

	// SelfID is this process's own silo id, used to detect local
	// ownership without a network round trip.
	SelfID() string
}

// Transport is the routing front door every outbound envelope passes
// through: Route decides, per spec §4.4, whether the target actor is
// hosted locally (in which case the envelope is handed directly to the bus,
// bypassing serialization) or remotely (in which case it is handed to
// RemoteSender, which does serialize it over the wire).
type Transport struct {
	router Router
	remote RemoteSender
	bus    *EnvelopeBus

	mu        sync.Mutex
	origins   map[string]string
	extractor OriginExtractor
	replies   ReplySender
}

// New creates a Transport that routes through router, sends remote traffic
// via remote, and publishes locally-owned traffic onto bus.
func New(router Router, remote RemoteSender, bus *EnvelopeBus) *Transport {
	return &Transport{
		router:  router,
		remote:  remote,
		bus:     bus,
		origins: make(map[string]string),
	}
}

// SetReplyRouting wires the plumbing RouteResponse needs to answer a
// remote-originated request: extractor recovers the dialing peer's silo id
// from an inbound Deliver call's context, and replies writes a response
// back along that peer's connection. Both are nil by default, which makes
// RouteResponse a pure no-op fallback -- a silo wired only for local
// loopback (tests, single-process setups) never needs this.
func (t *Transport) SetReplyRouting(extractor OriginExtractor, replies ReplySender) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.extractor = extractor
	t.replies = replies
}

// Route sends env to whichever silo currently owns its target actor key. A
// response envelope is routed the same way as a request: its ChainID/
// ActorType/ActorID still identify where it is headed, the Envelope shape
// carries no separate "reply-to" field per spec §3 -- the caller instead
// recovers the origin from CorrelationID bookkeeping held by whichever
// client issued the original request (see PendingCalls).
func (t *Transport) Route(ctx context.Context, env *envelope.Envelope) error {
	key := hashring.ActorKey(env.ActorType, env.ActorID)

	siloID, err := t.router.OwnerOf(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnroutable, err)
	}

	if siloID == t.router.SelfID() {
		return t.bus.Publish(ctx, env)
	}

	endpoint, ok := t.router.EndpointOf(siloID)
	if !ok {
		return fmt.Errorf("%w: silo %s has no known endpoint", ErrUnroutable, siloID)
	}

	return t.remote.Send(ctx, endpoint, env)
}

// Deliver is called by the grpc server side (or any other inbound path)
// when an envelope arrives from a peer: it is always locally relevant,
// since a peer only ever sends an envelope addressed to an actor it
// believes this silo owns, or a response to a request this silo
// previously issued. When env is a request and an OriginExtractor is
// wired, the dialing peer's silo id is recorded against MessageID so
// RouteResponse can later find its way back without the wire envelope
// ever growing a reply-to field (spec §3's ten fields are exhaustive).
func (t *Transport) Deliver(ctx context.Context, env *envelope.Envelope) error {
	if env.IsRequest() {
		t.mu.Lock()
		if t.extractor != nil {
			if peer, ok := t.extractor(ctx); ok {
				t.origins[env.MessageID] = peer
			}
		}
		t.mu.Unlock()
	}

	return t.bus.Publish(ctx, env)
}

// RouteResponse answers a response envelope that local PendingCalls had no
// registered waiter for -- i.e. one this silo is forwarding on behalf of a
// remote caller rather than completing for its own in-process Ask. It is a
// no-op if resp's originating request was never recorded as remote (a
// locally-originated call whose waiter already timed out and was forgotten,
// for instance).
func (t *Transport) RouteResponse(ctx context.Context, resp *envelope.Envelope) error {
	t.mu.Lock()
	peer, ok := t.origins[resp.CorrelationID]
	if ok {
		delete(t.origins, resp.CorrelationID)
	}
	replies := t.replies
	t.mu.Unlock()

	if !ok || replies == nil {
		return nil
	}

	return replies.Send(ctx, peer, resp)
}
