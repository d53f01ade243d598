package silo

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/quarkrun/quark/internal/actor"
	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/quarklog"
)

var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("SILO", func(l btclog.Logger) { log = l })
}

// ActivationState is one of the four states an activated instance moves
// through, spec §3's ActorInstanceState.activation_state.
type ActivationState int

const (
	Activating ActivationState = iota
	Running
	Deactivating
	Dead
)

func (s ActivationState) String() string {
	switch s {
	case Activating:
		return "Activating"
	case Running:
		return "Running"
	case Deactivating:
		return "Deactivating"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// key identifies one activation slot.
type key struct {
	ActorType, ActorID string
}

// Instance is the activation-registry entry for one (actor_type, actor_id)
// described in spec §3: a Grain, its dedicated single-consumer mailbox
// (reused directly from internal/actor rather than re-derived), its
// lifecycle state, and the bookkeeping idleness/deactivation need.
type Instance struct {
	key   key
	grain Grain

	// ready is closed once activation settles: either core is fully
	// constructed and started, or activationErr is set and the slot has
	// been removed. A resolver that finds a reserved slot waits on it
	// before touching core -- grain, core and activationErr are written
	// only by the activating goroutine, strictly before close(ready),
	// and read by others only after <-ready.
	ready         chan struct{}
	activationErr *wireErr

	mu           sync.Mutex
	state        ActivationState
	lastActivity time.Time

	core *actor.Actor[grainMessage, *envelope.Envelope]

	// feedMu guards backlog/feeding. The backlog holds envelopes waiting
	// for mailbox room so the silo's shared request pump never parks on
	// one actor's full mailbox; a single feeder goroutine per instance
	// drains it in FIFO order.
	feedMu  sync.Mutex
	backlog []grainMessage
	feeding bool
}

// grainMessage adapts a wire Envelope into internal/actor's sealed Message
// interface so an Instance can reuse Actor[M,R]'s mailbox/dispatch-loop
// machinery (single goroutine, FIFO delivery, overflow policy) instead of a
// second hand-rolled consumer loop.
type grainMessage struct {
	actor.BaseMessage
	env *envelope.Envelope
}

// MessageType satisfies actor.Message; mailbox tracing logs this.
func (m grainMessage) MessageType() string { return m.env.MethodName }

// State reports the instance's current activation state.
func (inst *Instance) State() ActivationState {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.state
}

// Idle reports whether this instance has been inactive for longer than d.
func (inst *Instance) Idle(d time.Duration) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.state == Running && time.Since(inst.lastActivity) > d
}

// RegistryConfig carries the collaborators and tunables an
// ActivationRegistry is built with.
type RegistryConfig struct {
	Factories *FactoryRegistry
	Codecs    *codec.Registry
	Chains    *ChainTracker

	// Publish hands a completed response envelope to the silo's
	// dual-filter bus (spec §4.7's "send_response... MUST also publish
	// the response onto the in-process channel").
	Publish func(ctx context.Context, env *envelope.Envelope) error

	// ReportFailure is invoked when a grain method panics or returns a
	// HandlerException-class error, so the silo coordinator's
	// supervision logic (spec §4.9) can decide whether to restart this
	// instance. Never called for infrastructure errors (UnknownActorType,
	// MethodNotFound, CodecError, ...) -- spec §7: "Infrastructure errors
	// ... are NOT raised to the supervisor".
	ReportFailure func(actorType, actorID string, cause error)

	MailboxCapacity int
	Overflow        actor.OverflowPolicy

	ChainMaxDepth        int
	ChainDefaultDeadline time.Duration

	// Caller, when set, is threaded into every turn's ctx (via
	// WithCaller) so a grain handler can invoke other actors while
	// inheriting the active call chain. The silo coordinator passes
	// itself.
	Caller Caller
}

// ActivationRegistry is the keyed map (actor_type, actor_id) ->
// ActorInstanceState maintained per-silo, spec §4.6. It is the only thing
// that mutates the slot table; every per-key body of work after that goes
// through the instance's own mailbox, so no per-actor lock is ever needed
// beyond the registry's own bookkeeping mutex (spec §5 "per-key work goes
// through the mailbox, eliminating the need for per-actor locks").
type ActivationRegistry struct {
	cfg RegistryConfig

	dlo *deadLetterRef

	mu        sync.Mutex
	instances map[key]*Instance
	accepting bool
	poisoned  map[key]struct{}
}

// NewActivationRegistry creates an empty registry, ready to accept
// activations.
func NewActivationRegistry(cfg RegistryConfig) *ActivationRegistry {
	r := &ActivationRegistry{
		cfg:       cfg,
		instances: make(map[key]*Instance),
		accepting: true,
		poisoned:  make(map[key]struct{}),
	}
	r.dlo = &deadLetterRef{registry: r}

	return r
}

// deadLetters returns the registry's shared dead-letter sink, wired as
// every instance's DLO so requests drained out of a closing mailbox are
// answered with MailboxClosed rather than lost.
func (r *ActivationRegistry) deadLetters() actor.ActorRef[actor.Message, any] {
	return r.dlo
}

// Poison marks actorType/actorID as permanently failed: resolve refuses to
// reactivate it from this point on, spec §4.9's "subsequent requests
// against a poisoned key fail fast with ActivationFailed rather than being
// silently dropped". Only the coordinator's supervisor-escalation path
// calls this, once a key's restart budget is exhausted.
func (r *ActivationRegistry) Poison(actorType, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.poisoned[key{actorType, actorID}] = struct{}{}
}

// StopAccepting makes every future Dispatch fail with a SiloShuttingDown
// error response, part of the graceful-shutdown sequence (spec §4.3's
// "stops accepting new activations").
func (r *ActivationRegistry) StopAccepting() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.accepting = false
}

// Lookup returns the instance for actorType/actorID if one is already
// activated, without creating one.
func (r *ActivationRegistry) Lookup(actorType, actorID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key{actorType, actorID}]
	return inst, ok
}

// All returns every currently activated instance, for reaping and
// shutdown-drain sweeps.
func (r *ActivationRegistry) All() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}

	return out
}

// ActivationSnapshot is a point-in-time, read-only view of one activated
// instance, for the admin CLI's "actors" view (internal/adminrpc).
type ActivationSnapshot struct {
	ActorType string
	ActorID   string
	State     string
	Poisoned  bool
}

// Snapshot returns a stable-fields view of every currently activated
// instance plus every poisoned key, for internal/adminrpc -- unlike All,
// it never hands out the live *Instance pointers, only the fields an
// admin view needs.
func (r *ActivationRegistry) Snapshot() []ActivationSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActivationSnapshot, 0, len(r.instances))
	for k, inst := range r.instances {
		_, poisoned := r.poisoned[k]

		out = append(out, ActivationSnapshot{
			ActorType: k.ActorType,
			ActorID:   k.ActorID,
			State:     inst.State().String(),
			Poisoned:  poisoned,
		})
	}

	for k := range r.poisoned {
		if _, live := r.instances[k]; live {
			continue
		}

		out = append(out, ActivationSnapshot{
			ActorType: k.ActorType,
			ActorID:   k.ActorID,
			State:     Dead.String(),
			Poisoned:  true,
		})
	}

	return out
}

// Dispatch is the entry point for every request envelope the silo
// coordinator pulls off its dual-filter bus (spec §4.6 Activation +
// Dispatch). It resolves (creating if absent) the target instance and
// hands the envelope to that instance's feeder, which posts it onto the
// instance's own mailbox; the instance's dedicated dispatcher goroutine
// does the actual decode/invoke/encode work. Dispatch itself never blocks
// on a turn or on a full mailbox -- this is what keeps unrelated actors'
// turns running in parallel (spec §5).
func (r *ActivationRegistry) Dispatch(ctx context.Context, req *envelope.Envelope) {
	inst, err := r.resolve(ctx, req)
	if err != nil {
		r.respondError(ctx, req, err)
		return
	}

	inst.mu.Lock()
	inst.lastActivity = time.Now()
	inst.mu.Unlock()

	r.enqueue(inst, req)
}

// enqueue hands req to inst's feeder, which drains the backlog into the
// mailbox in FIFO order on its own goroutine. Routing the enqueue through
// a per-instance feeder rather than posting inline keeps a full mailbox
// under PolicyBlock from parking the silo's shared request pump -- only
// this actor's feeder waits, every other actor keeps dispatching (spec §5).
// The backlog is bounded by the mailbox capacity; a request arriving past
// that bound is answered with MailboxFull rather than buffered without
// limit, preserving spec §4.5's no-silent-loss rule without giving Block an
// unbounded ingress queue.
func (r *ActivationRegistry) enqueue(inst *Instance, req *envelope.Envelope) {
	limit := r.cfg.MailboxCapacity
	if limit <= 0 {
		limit = 1
	}

	inst.feedMu.Lock()
	if len(inst.backlog) >= limit {
		inst.feedMu.Unlock()

		r.respondError(context.Background(), req,
			&wireErr{envelope.KindMailboxFull, "dispatch backlog full"})

		return
	}

	inst.backlog = append(inst.backlog, grainMessage{env: req})
	if inst.feeding {
		inst.feedMu.Unlock()
		return
	}
	inst.feeding = true
	inst.feedMu.Unlock()

	go r.feed(inst)
}

// feed is inst's single feeder goroutine: it pops the backlog in FIFO
// order and posts each envelope through the mailbox's overflow policy. A
// refused enqueue comes back here so the request gets an error response
// instead of disappearing (spec §4.5); evictions under DropOldest happen
// out of sight of any Post call and are answered by the OnDrop hook wired
// in resolve instead. feed exits once the backlog is empty; a deactivated
// instance drains its remaining backlog as MailboxClosed responses, since
// every Post against a stopped core fails.
func (r *ActivationRegistry) feed(inst *Instance) {
	ctx := context.Background()

	for {
		inst.feedMu.Lock()
		if len(inst.backlog) == 0 {
			inst.feeding = false
			inst.feedMu.Unlock()
			return
		}
		msg := inst.backlog[0]
		inst.backlog = inst.backlog[1:]
		inst.feedMu.Unlock()

		ok, postErr := inst.core.Post(ctx, msg)
		if ok {
			continue
		}

		kind := envelope.KindMailboxFull
		if postErr == nil && inst.core.Terminated() {
			kind = envelope.KindMailboxClosed
		}

		r.respondError(ctx, msg.env, &wireErr{kind, "mailbox refused request"})
	}
}

// resolve returns the existing instance for req's target key, or activates
// a fresh one (spec §4.6 "Activation").
func (r *ActivationRegistry) resolve(ctx context.Context, req *envelope.Envelope) (*Instance, error) {
	k := key{req.ActorType, req.ActorID}

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil, &wireErr{envelope.KindSiloShuttingDown, "silo is not accepting new activations"}
	}

	if _, ok := r.poisoned[k]; ok {
		r.mu.Unlock()
		return nil, &wireErr{envelope.KindActivationFailed,
			"actor permanently poisoned after exceeding its restart budget"}
	}

	if inst, ok := r.instances[k]; ok {
		r.mu.Unlock()
		return r.awaitReady(ctx, inst)
	}

	factory, ok := r.cfg.Factories.Lookup(req.ActorType)
	if !ok {
		r.mu.Unlock()
		return nil, &wireErr{envelope.KindUnknownActorType, req.ActorType}
	}

	// Reserve the slot before releasing the lock so concurrent requests
	// for the same key never race to construct two instances (spec §4.6
	// step 2). The reserved instance is not usable yet -- its core is
	// still nil -- so any other resolver that finds it parks in
	// awaitReady until this goroutine closes inst.ready below, on the
	// success and failure paths alike.
	inst := &Instance{
		key:          k,
		state:        Activating,
		lastActivity: time.Now(),
		ready:        make(chan struct{}),
	}
	r.instances[k] = inst
	r.mu.Unlock()

	grain := factory(req.ActorID)
	inst.grain = grain

	behavior := &dispatchBehavior{
		registry:  r,
		instance:  inst,
		actorType: req.ActorType,
	}

	inst.core = actor.NewActor(actor.ActorConfig[grainMessage, *envelope.Envelope]{
		ID:          req.ActorID,
		Behavior:    behavior,
		MailboxSize: r.cfg.MailboxCapacity,
		Overflow:    r.cfg.Overflow,
		DLO:         r.deadLetters(),
		OnDrop: func(msg grainMessage) {
			// A DropOldest eviction: the evicted request never
			// reached a turn, so answer it here.
			r.respondError(context.Background(), msg.env,
				&wireErr{envelope.KindMailboxFull,
					"request evicted by mailbox overflow policy"})
		},
	})

	if activatable, ok := grain.(Activatable); ok {
		if err := activatable.OnActivate(ctx); err != nil {
			r.mu.Lock()
			delete(r.instances, k)
			r.mu.Unlock()

			inst.activationErr = &wireErr{envelope.KindActivationFailed, err.Error()}
			close(inst.ready)

			log.WarnS(ctx, "actor activation failed", err,
				"actor_type", req.ActorType, "actor_id", req.ActorID)

			return nil, inst.activationErr
		}
	}

	inst.mu.Lock()
	inst.state = Running
	inst.mu.Unlock()

	inst.core.Start()
	close(inst.ready)

	log.DebugS(ctx, "actor activated", "actor_type", req.ActorType, "actor_id", req.ActorID)

	return inst, nil
}

// awaitReady blocks until inst's activating goroutine settles the slot,
// then reports how activation went. Waiters that arrive after activation
// completed pass straight through, since ready is already closed.
func (r *ActivationRegistry) awaitReady(ctx context.Context, inst *Instance) (*Instance, error) {
	select {
	case <-inst.ready:
	case <-ctx.Done():
		return nil, &wireErr{envelope.KindTimeout,
			"awaiting activation: " + ctx.Err().Error()}
	}

	if inst.activationErr != nil {
		return nil, inst.activationErr
	}

	return inst, nil
}

func (r *ActivationRegistry) respondError(ctx context.Context, req *envelope.Envelope, err error) {
	we, ok := err.(*wireErr)
	if !ok {
		we = &wireErr{envelope.KindHandlerException, err.Error()}
	}

	resp := envelope.NewKindErrorResponse(req, we.kind, we.detail)
	if pubErr := r.cfg.Publish(ctx, resp); pubErr != nil {
		log.WarnS(ctx, "failed to publish error response", pubErr,
			"actor_type", req.ActorType, "actor_id", req.ActorID)
	}
}

// Deactivate runs the spec §4.6 deactivation sequence for actorType/
// actorID: transition to Deactivating, stop the instance's dispatcher loop
// (which itself drains any messages already in the mailbox to the DLO, see
// internal/actor.Actor.process), invoke OnDeactivate, then remove the slot
// so a fresh activation may proceed immediately.
func (r *ActivationRegistry) Deactivate(ctx context.Context, actorType, actorID string) {
	k := key{actorType, actorID}

	r.mu.Lock()
	inst, ok := r.instances[k]
	r.mu.Unlock()

	if !ok {
		return
	}

	// An instance caught mid-activation settles first: ready is closed on
	// both activation outcomes, and core is always constructed by then,
	// so Stop below never sees a half-built slot.
	<-inst.ready

	// Only a Running instance is deactivated: a failed activation has
	// already freed its slot, and a concurrent Deactivate that got here
	// first owns the rest of the sequence.
	inst.mu.Lock()
	if inst.state != Running {
		inst.mu.Unlock()
		return
	}
	inst.state = Deactivating
	inst.mu.Unlock()

	inst.core.Stop()

	if deactivatable, ok := inst.grain.(Deactivatable); ok {
		if err := deactivatable.OnDeactivate(ctx); err != nil {
			log.WarnS(ctx, "actor deactivation hook failed", err,
				"actor_type", actorType, "actor_id", actorID)
		}
	}

	inst.mu.Lock()
	inst.state = Dead
	inst.mu.Unlock()

	r.mu.Lock()
	if r.instances[k] == inst {
		delete(r.instances, k)
	}
	r.mu.Unlock()

	log.DebugS(ctx, "actor deactivated", "actor_type", actorType, "actor_id", actorID)
}

// ReapIdle deactivates every instance that has been idle longer than
// idleTimeout (spec §4.6's idle-timeout deactivation trigger).
func (r *ActivationRegistry) ReapIdle(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}

	for _, inst := range r.All() {
		if inst.Idle(idleTimeout) {
			r.Deactivate(ctx, inst.key.ActorType, inst.key.ActorID)
		}
	}
}

// DeactivateAll drains every activated instance, in no particular order
// (spec §4.11 permits either children-before-parents or the reverse, "no
// orphaned children" is the only hard constraint; grains that spawn
// children are themselves responsible for cascading shutdown to them via
// their direct child references, spec §4.9's narrow exception).
func (r *ActivationRegistry) DeactivateAll(ctx context.Context) {
	for _, inst := range r.All() {
		r.Deactivate(ctx, inst.key.ActorType, inst.key.ActorID)
	}
}

// Count returns the number of currently activated instances.
func (r *ActivationRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.instances)
}

// wireErr pairs an envelope.ErrorKind with its detail text, letting
// resolve/respondError build a typed error response without every call site
// re-deriving the kind. Not exported: callers outside this package only
// ever see it already converted to an error response envelope.
type wireErr struct {
	kind   envelope.ErrorKind
	detail string
}

func (e *wireErr) Error() string { return e.detail }

// deadLetterRef answers every request envelope drained out of a closing
// mailbox with a MailboxClosed error response (spec §4.5: requests caught
// in a mailbox close each receive an error response, never silent loss).
// It fills the actor package's DLO slot, which is typed over the generic
// Message interface; non-grain messages are ignored.
type deadLetterRef struct {
	registry *ActivationRegistry
}

func (d *deadLetterRef) ID() string { return "dead-letters" }

// Tell implements actor.TellOnlyRef.
func (d *deadLetterRef) Tell(ctx context.Context, msg actor.Message) {
	gm, ok := msg.(grainMessage)
	if !ok || !gm.env.IsRequest() {
		return
	}

	d.registry.respondError(ctx, gm.env,
		&wireErr{envelope.KindMailboxClosed, "mailbox closed before dispatch"})
}

// Ask implements actor.ActorRef. The DLO never produces a real response;
// the returned future fails immediately.
func (d *deadLetterRef) Ask(ctx context.Context, msg actor.Message) actor.Future[any] {
	d.Tell(ctx, msg)

	p := actor.NewPromise[any]()
	p.Complete(fn.Err[any](actor.ErrActorTerminated))

	return p.Future()
}
