package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the taxonomy from spec §7. It is encoded on the wire as a
// "kind: " prefix on Envelope.ErrorMessage -- spec §7 describes the kind as
// "encoded by convention" and leaves the exact convention unspecified; this
// is the single decision this module makes for that Open Question (see
// DESIGN.md).
type ErrorKind string

const (
	KindUnknownActorType  ErrorKind = "UnknownActorType"
	KindMethodNotFound    ErrorKind = "MethodNotFound"
	KindCodecError        ErrorKind = "CodecError"
	KindActivationFailed  ErrorKind = "ActivationFailed"
	KindMailboxFull       ErrorKind = "MailboxFull"
	KindMailboxClosed     ErrorKind = "MailboxClosed"
	KindReentrancy        ErrorKind = "ReentrancyDetected"
	KindTimeout           ErrorKind = "Timeout"
	KindTransportError    ErrorKind = "TransportError"
	KindSiloShuttingDown  ErrorKind = "SiloShuttingDown"
	KindConcurrencyError  ErrorKind = "ConcurrencyError"
	KindHandlerException  ErrorKind = "HandlerException"
)

// WireError pairs an ErrorKind with the handler-supplied detail, and is the
// Go-side representation of an error Envelope: round-trips through
// NewErrorResponse/Wrap on the way out and ParseError on the way in.
type WireError struct {
	Kind   ErrorKind
	Detail string
}

func (e *WireError) Error() string {
	return e.Detail
}

// Wrap renders a (kind, detail) pair into the "kind: detail" wire
// convention used by Envelope.ErrorMessage.
func Wrap(kind ErrorKind, detail string) string {
	return string(kind) + ": " + detail
}

// WrapErr is a convenience for Wrap that takes a Go error for detail.
func WrapErr(kind ErrorKind, err error) string {
	return Wrap(kind, err.Error())
}

// ParseError recovers the ErrorKind and detail from an error Envelope's
// ErrorMessage. If the message doesn't carry a recognized "kind: " prefix
// (e.g. it came from a peer running a different revision), Kind is empty and
// Detail is the whole message.
func ParseError(msg string) *WireError {
	for _, kind := range allKinds {
		prefix := string(kind) + ": "
		if strings.HasPrefix(msg, prefix) {
			return &WireError{
				Kind:   kind,
				Detail: strings.TrimPrefix(msg, prefix),
			}
		}
	}

	return &WireError{Detail: msg}
}

var allKinds = []ErrorKind{
	KindUnknownActorType, KindMethodNotFound, KindCodecError,
	KindActivationFailed, KindMailboxFull, KindMailboxClosed,
	KindReentrancy, KindTimeout, KindTransportError,
	KindSiloShuttingDown, KindConcurrencyError, KindHandlerException,
}

// NewKindErrorResponse is NewErrorResponse plus the wire convention: it
// wraps detail with kind before attaching it to the response.
func NewKindErrorResponse(req *Envelope, kind ErrorKind, detail string) *Envelope {
	return NewErrorResponse(req, Wrap(kind, detail))
}

// Errors surfaced directly by Go callers of this package (as opposed to the
// wire-level ErrorKind taxonomy, which only applies to envelopes that have
// already crossed the dispatch boundary).
var (
	// ErrMalformedPayload is returned by a codec when the bytes it was
	// asked to decode don't round-trip; dispatch turns this into a
	// KindCodecError response.
	ErrMalformedPayload = errors.New("envelope: malformed payload")
)

// CodecError is returned by generated codecs on malformed bytes, per spec
// §4.1 ("Encoders and decoders are pure; they never fail except with
// CodecError on malformed bytes").
type CodecError struct {
	ActorType, Method string
	Cause             error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error for %s.%s: %v", e.ActorType, e.Method, e.Cause)
}

func (e *CodecError) Unwrap() error { return e.Cause }
