// Package envelope defines the wire message shape that flows between every
// component of Quark: the mailbox, the dispatcher, the transport, and the
// call-chain context all exchange *Envelope values and nothing else. The
// core never parses Payload or ResponsePayload itself -- those are opaque
// bytes produced and consumed by the per-method codecs in internal/codec.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of cross-component traffic described in spec §3.
// Exactly one of {request, successful response, error response} holds for
// any given Envelope; see IsRequest, IsSuccessResponse and IsErrorResponse.
type Envelope struct {
	// MessageID uniquely identifies this envelope. On a request it is
	// freshly generated; on a response it is also fresh (CorrelationID
	// is what ties the response back to its request).
	MessageID string

	// CorrelationID equals MessageID on a request, and is copied from
	// the request's MessageID on the corresponding response.
	CorrelationID string

	// ActorType is the routing-key namespace: the actor interface name.
	ActorType string

	// ActorID is the user-chosen, stable identity within ActorType.
	ActorID string

	// MethodName selects which per-method codec and handler to invoke.
	MethodName string

	// Payload holds opaque, codec-encoded request arguments. Empty on
	// a response.
	Payload []byte

	// ResponsePayload holds opaque, codec-encoded return bytes. Empty on
	// a request or on an error response.
	ResponsePayload []byte

	// IsError marks this envelope as an error response.
	IsError bool

	// ErrorMessage carries human-readable error text when IsError is
	// set. ErrorKind (see errors.go) is encoded as a prefix of this
	// string, per the wire convention in spec §7.
	ErrorMessage string

	// Timestamp is advisory only; never used for correctness decisions.
	Timestamp time.Time

	// ChainID is the opaque call-chain token described in spec §4.8.
	// Empty for envelopes that don't participate in reentrancy
	// detection (e.g. a freshly-started top-level request before a
	// chain has been assigned).
	ChainID string
}

// NewRequest builds a fresh request envelope. MessageID and CorrelationID
// are set to the same newly generated id, satisfying the request invariant
// (response_payload empty, ¬is_error).
func NewRequest(actorType, actorID, method string, payload []byte) *Envelope {
	id := uuid.NewString()

	return &Envelope{
		MessageID:     id,
		CorrelationID: id,
		ActorType:     actorType,
		ActorID:       actorID,
		MethodName:    method,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}

// NewSuccessResponse builds a success response correlated to req. The
// response carries the same actor/method identity as the request purely for
// observability; only CorrelationID is load-bearing for routing.
func NewSuccessResponse(req *Envelope, payload []byte) *Envelope {
	return &Envelope{
		MessageID:       uuid.NewString(),
		CorrelationID:   req.MessageID,
		ActorType:       req.ActorType,
		ActorID:         req.ActorID,
		MethodName:      req.MethodName,
		ResponsePayload: payload,
		Timestamp:       time.Now(),
		ChainID:         req.ChainID,
	}
}

// NewErrorResponse builds an error response correlated to req. msg should
// already carry the ErrorKind prefix (see errors.go's Wrap helper); callers
// that only have a plain error should go through Wrap instead of calling
// this directly.
func NewErrorResponse(req *Envelope, msg string) *Envelope {
	return &Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: req.MessageID,
		ActorType:     req.ActorType,
		ActorID:       req.ActorID,
		MethodName:    req.MethodName,
		IsError:       true,
		ErrorMessage:  msg,
		Timestamp:     time.Now(),
		ChainID:       req.ChainID,
	}
}

// IsRequest reports whether e is a request per the §3 invariant: no
// response payload and not an error.
func (e *Envelope) IsRequest() bool {
	return len(e.ResponsePayload) == 0 && !e.IsError
}

// IsSuccessResponse reports whether e is a successful response: a non-empty
// response payload and not an error.
func (e *Envelope) IsSuccessResponse() bool {
	return len(e.ResponsePayload) > 0 && !e.IsError
}

// IsErrorResponse reports whether e is an error response. Per spec §3 the
// payload may legitimately be empty on an error response, so IsError alone
// is the discriminator.
func (e *Envelope) IsErrorResponse() bool {
	return e.IsError
}

// IsResponse reports whether e is any kind of response (success or error).
// This is the predicate the transport egress filter uses (spec §4.7): it
// acts on exactly the envelopes for which IsRequest is false.
func (e *Envelope) IsResponse() bool {
	return !e.IsRequest()
}
