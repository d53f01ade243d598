// Package silo hosts the per-(actor_type, actor_id) activation machinery of
// spec §4.2-§4.6: a Grain implementation's methods are reached by decoding
// an incoming Envelope through internal/codec's static registry and
// invoking it against the activated instance, reusing internal/actor's
// mailbox/dispatch engine underneath rather than building a second one.
package silo

import (
	"context"

	"github.com/quarkrun/quark/internal/envelope"
)

// Grain is the minimal contract every actor-type implementation satisfies:
// a value constructed fresh per activation, identified by the actor id it
// was created for. Concrete grains additionally implement whichever of
// Activatable, Deactivatable or Remindable capability interfaces they need;
// FactoryRegistry records, per actor type, how to build one.
type Grain interface {
	// ActorID returns the identity this instance was activated for.
	ActorID() string
}

// Activatable is implemented by a Grain that needs to run setup logic (e.g.
// loading state from an external store) before it processes its first
// message (spec §4.2's activation step).
type Activatable interface {
	OnActivate(ctx context.Context) error
}

// Deactivatable is implemented by a Grain that needs to flush state or
// release resources when it is deactivated, whether due to idleness,
// supervision-driven restart, or silo shutdown (spec §4.3).
type Deactivatable interface {
	OnDeactivate(ctx context.Context) error
}

// Remindable is implemented by a Grain that can receive durable reminder
// callbacks (spec §4.10). name identifies which reminder fired; payload is
// whatever bytes were stored with it.
type Remindable interface {
	OnReminder(ctx context.Context, name string, payload []byte) error
}

// Factory builds a fresh Grain instance for actorID. Generated actor stubs
// register one Factory per actor type alongside their codec.Registry
// entries.
type Factory func(actorID string) Grain

// FactoryRegistry is the static, build-time-populated table of actor-type
// factories, the Grain-construction counterpart to codec.Registry's
// method-dispatch table -- addressed by actor type string, never by
// reflection (spec §9).
type FactoryRegistry struct {
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty factory registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory for actorType. A second registration for the same
// type panics: like codec.Registry, this only ever happens at program
// start from generated stub init() functions, where a collision is a build
// error.
func (r *FactoryRegistry) Register(actorType string, factory Factory) {
	if _, exists := r.factories[actorType]; exists {
		panic("silo: factory already registered for actor type " + actorType)
	}

	r.factories[actorType] = factory
}

// Lookup returns the factory registered for actorType, if any.
func (r *FactoryRegistry) Lookup(actorType string) (Factory, bool) {
	f, ok := r.factories[actorType]
	return f, ok
}

// Caller is the narrow, envelope-only surface a Grain uses to invoke
// another actor -- satisfied by *Coordinator's Call method. Grains never
// hold a direct reference to another actor instance (spec §4.6's "virtual
// actors never hold direct references"); this is the one blessed way
// outbound cross-actor calls are made, and it is discovered via context
// rather than constructor injection so the codec package's Invoke shim
// (which only ever sees `ctx any`) can thread it through unchanged.
type Caller interface {
	Call(ctx context.Context, actorType, actorID, method string, payload []byte) (*envelope.Envelope, error)
}

// callerContextKey is the unexported context key WithCaller/CallerFromContext
// use, following the same ambient-context pattern spec §4.8 mandates for
// callchain propagation (internal/callchain's chainContextKey).
type callerContextKey struct{}

// WithCaller returns a context carrying caller, restored into every grain
// turn's ctx by dispatchBehavior.Receive before Invoke runs (so a generated
// stub's handler can recover it via CallerFromContext and make outbound
// calls that automatically inherit the active call chain, per spec §4.8).
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext recovers the active Caller, if any. A turn invoked
// outside a Coordinator (e.g. a unit test driving a Grain directly) simply
// gets ok=false.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}
