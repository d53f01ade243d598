// Package codec implements the "Envelope & codec layer" of spec §4.1: a
// static, build-time-populated table of per-(actor_type, method_name)
// codecs, addressed without reflection or type-name scanning, per the
// "Runtime type lookup by string name" design note in spec §9. Generated
// actor stubs call RegisterMethod once at program start (the
// module-initializer pattern); the dispatcher in internal/silo only ever
// calls Lookup.
package codec

import (
	"fmt"
	"sync"
)

// DecodeRequest decodes wire bytes into the method's argument type. It must
// be pure and must only fail with a decode error -- the dispatcher wraps any
// returned error as envelope.KindCodecError.
type DecodeRequest func(payload []byte) (args any, err error)

// EncodeResponse encodes a method's return value into wire bytes.
type EncodeResponse func(value any) (payload []byte, err error)

// Invoke dispatches decoded args against a concrete actor (grain) instance.
// actor is the user's activated instance (an internal/silo.Grain); args is
// whatever DecodeRequest produced. Generated stubs type-assert both to their
// concrete types -- the registry itself never needs to know them.
type Invoke func(ctx any, actor any, args any) (result any, err error)

// MethodDescriptor is everything the dispatcher needs to run one method
// call end to end: decode arguments, invoke the handler, encode the result.
type MethodDescriptor struct {
	DecodeRequest  DecodeRequest
	EncodeResponse EncodeResponse
	Invoke         Invoke
}

type methodKey struct {
	ActorType, Method string
}

// ErrAlreadyRegistered is returned by RegisterMethod when the same
// (actorType, method) pair is registered twice, which almost always
// indicates a generated-stub naming collision or a duplicate init call.
type ErrAlreadyRegistered struct {
	ActorType, Method string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("codec: method %s.%s already registered", e.ActorType, e.Method)
}

// Registry is the static codec table. It is safe for concurrent use: writes
// happen once at startup via RegisterMethod, reads happen on every
// dispatched envelope via Lookup.
type Registry struct {
	mu      sync.RWMutex
	methods map[methodKey]MethodDescriptor
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[methodKey]MethodDescriptor),
	}
}

// RegisterMethod adds a method descriptor for (actorType, method). It
// returns ErrAlreadyRegistered if the pair is already registered.
func (r *Registry) RegisterMethod(actorType, method string,
	desc MethodDescriptor,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := methodKey{actorType, method}
	if _, exists := r.methods[key]; exists {
		return &ErrAlreadyRegistered{ActorType: actorType, Method: method}
	}

	r.methods[key] = desc

	return nil
}

// MustRegisterMethod is RegisterMethod but panics on error, intended for use
// in generated stub init() functions where a registration collision is a
// build-time programming error, not a runtime condition to recover from.
func (r *Registry) MustRegisterMethod(actorType, method string,
	desc MethodDescriptor,
) {
	if err := r.RegisterMethod(actorType, method, desc); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor registered for (actorType, method), and
// false if none exists (the dispatcher turns that into
// envelope.KindMethodNotFound, or envelope.KindUnknownActorType if no method
// at all is registered for actorType).
func (r *Registry) Lookup(actorType, method string) (MethodDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.methods[methodKey{actorType, method}]
	return desc, ok
}

// HasActorType reports whether any method has been registered for
// actorType, used to distinguish KindUnknownActorType from
// KindMethodNotFound.
func (r *Registry) HasActorType(actorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key := range r.methods {
		if key.ActorType == actorType {
			return true
		}
	}

	return false
}
