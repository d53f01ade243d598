package silo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quarkrun/quark/internal/actor"
	"github.com/quarkrun/quark/internal/callchain"
	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/reminder"
	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/quarkrun/quark/internal/transport"
)

// reminderMethodPrefix marks a synthetic request envelope as a reminder
// firing rather than a wire call: the reminder scheduler has no codec to
// encode/decode against (spec §4.10's OnReminder is a direct Grain method,
// not a generated stub), so dispatchBehavior special-cases this prefix
// instead of going through codec.Registry.Lookup.
const reminderMethodPrefix = "__reminder__:"

// reminderAck is the opaque non-empty marker a fired reminder's success
// response carries, so envelope.IsResponse (len(ResponsePayload) > 0 or
// IsError) still holds for it -- a reminder produces no real return value.
var reminderAck = []byte{1}

// CoordinatorConfig wires together every collaborator a Coordinator needs:
// the two static registries generated actor stubs populate at program start,
// the external membership/reminder stores, and the transport-layer pieces
// that let it reach other silos. Everything here is a collaborator this
// package never constructs itself -- cmd/quarkd owns wiring concrete sqlite
// stores and gRPC client/server instances and hands them in as interfaces.
type CoordinatorConfig struct {
	SiloID   string
	Endpoint string

	Factories *FactoryRegistry
	Codecs    *codec.Registry

	MembershipTable membership.Table
	ReminderTable   reminder.Table

	// RemoteSender carries every request bound for a peer silo's endpoint
	// (satisfied by grpcremote.Client).
	RemoteSender transport.RemoteSender

	// ReplySender and OriginExtractor are optional: when both are set, a
	// response to a remote-originated request is routed back along the
	// connection it arrived on (satisfied by grpcremote.Server.Send and
	// grpcremote.PeerSiloID respectively). Leaving either nil is fine for
	// a silo that only ever dials out, never accepts inbound requests it
	// must reply to.
	ReplySender     transport.ReplySender
	OriginExtractor transport.OriginExtractor

	Silo siloconfig.SiloConfig
}

// Coordinator is the top-level wiring of spec §4: it owns the membership
// client, the dual-filter envelope bus, the activation registry, and the
// reminder scheduler, and it implements transport.Router itself since it is
// the one component that holds both the hash ring (via membership.Member)
// and the silo_id -> endpoint directory (via its own subscription to the
// same membership table). Grounded on the teacher's cmd/substrated wiring
// style: one struct aggregating every long-lived collaborator, constructed
// once at startup and torn down once at shutdown.
type Coordinator struct {
	cfg CoordinatorConfig

	member *membership.Member
	bus    *transport.EnvelopeBus

	transport *transport.Transport
	pending   *transport.PendingCalls

	activation *ActivationRegistry
	chains     *ChainTracker
	scheduler  *reminder.Scheduler

	mu          sync.RWMutex
	endpoints   map[string]string
	supervisors map[string]*actor.Supervisor

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCoordinator assembles a Coordinator from cfg. Call Start to begin
// serving.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		bus:         transport.NewEnvelopeBus(0),
		pending:     transport.NewPendingCalls(),
		chains:      NewChainTracker(),
		endpoints:   make(map[string]string),
		supervisors: make(map[string]*actor.Supervisor),
	}

	c.member = membership.NewMember(cfg.MembershipTable, membership.Silo{
		ID:       cfg.SiloID,
		Endpoint: cfg.Endpoint,
	}, cfg.Silo.MembershipConfig())

	c.member.OnShuttingDown(c.onSelfExpel)

	c.transport = transport.New(c, cfg.RemoteSender, c.bus)
	if cfg.ReplySender != nil && cfg.OriginExtractor != nil {
		c.transport.SetReplyRouting(cfg.OriginExtractor, cfg.ReplySender)
	}

	c.activation = NewActivationRegistry(RegistryConfig{
		Factories:            cfg.Factories,
		Codecs:               cfg.Codecs,
		Chains:               c.chains,
		Publish:              c.bus.Publish,
		ReportFailure:        c.reportFailure,
		MailboxCapacity:      cfg.Silo.MailboxCapacity,
		Overflow:             cfg.Silo.MailboxOverflowPolicy,
		ChainMaxDepth:        cfg.Silo.ChainMaxDepth,
		ChainDefaultDeadline: cfg.Silo.ChainDefaultDeadline,
		Caller:               c,
	})

	c.scheduler = reminder.NewScheduler(reminder.SchedulerConfig{
		SiloID:       cfg.SiloID,
		Table:        cfg.ReminderTable,
		Ring:         c.member.Ring,
		Fire:         c.fireReminder,
		TickInterval: cfg.Silo.ReminderTickInterval,
	})

	return c
}

// Start runs every background loop (ring membership, endpoint directory,
// request/response fan-out consumers, idle reaper, reminder scheduler) and
// blocks until ctx is cancelled, mirroring the teacher's
// "wire everything, then block on shutdown" daemon shape.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.bus.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pending.Pump(ctx, c.bus, c.transport)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.requestLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.endpointLoop(ctx)
	}()

	if c.cfg.Silo.IdleTimeout > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.idleReapLoop(ctx)
		}()
	}

	if c.cfg.Silo.ChainDefaultDeadline > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.chainSweepLoop(ctx)
		}()
	}

	c.scheduler.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.member.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorS(ctx, "membership loop exited", err, "silo_id", c.cfg.SiloID)
		}
	}()

	<-ctx.Done()

	return ctx.Err()
}

// onSelfExpel is membership.Member's OnShuttingDown callback: it fires the
// instant this silo self-transitions to ShuttingDown after losing contact
// with the membership table past self_expel_threshold (spec §4.3). Stopping
// new activations here, rather than waiting for the next explicit Shutdown
// call, is what makes self-expel actually effective -- otherwise a
// partitioned silo would keep activating actors the rest of the cluster has
// already rerouted around it.
func (c *Coordinator) onSelfExpel() {
	log.WarnS(context.Background(), "self-expelled from membership, "+
		"no longer accepting new activations", nil, "silo_id", c.cfg.SiloID)

	c.activation.StopAccepting()
}

// requestLoop drains the bus's request channel into the activation
// registry, the single place every request envelope -- whether locally
// originated or delivered from a peer -- converges on (spec §4.6).
func (c *Coordinator) requestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.bus.Requests():
			c.activation.Dispatch(ctx, req)
		}
	}
}

// endpointLoop maintains the silo_id -> endpoint directory EndpointOf
// serves, independently of membership.Member's ring cache, since Member
// only republishes the ring (silo_ids), not the full row including
// endpoint. This duplicates one more List poll against the same table;
// accepted as a small simplification over extending Member's public surface
// for a single extra field (see DESIGN.md).
func (c *Coordinator) endpointLoop(ctx context.Context) {
	c.refreshEndpoints(ctx)

	changes := c.cfg.MembershipTable.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			c.refreshEndpoints(ctx)
		}
	}
}

func (c *Coordinator) refreshEndpoints(ctx context.Context) {
	silos, err := c.cfg.MembershipTable.List(ctx)
	if err != nil {
		log.WarnS(ctx, "failed to refresh endpoint directory", err)
		return
	}

	next := make(map[string]string, len(silos))
	for _, s := range silos {
		next[s.ID] = s.Endpoint
	}

	c.mu.Lock()
	c.endpoints = next
	c.mu.Unlock()
}

// idleReapLoop periodically deactivates actors that have been idle longer
// than IdleTimeout (spec §4.6).
func (c *Coordinator) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Silo.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.activation.ReapIdle(ctx, c.cfg.Silo.IdleTimeout)
		}
	}
}

// chainSweepLoop periodically reclaims ChainTracker state for chains past
// their deadline, bounding the tracker's memory to roughly one entry per
// chain still within its deadline window rather than one per chain ever
// seen.
func (c *Coordinator) chainSweepLoop(ctx context.Context) {
	interval := c.cfg.Silo.ChainDefaultDeadline
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.chains.Sweep(now)
		}
	}
}

// Call is the entry point for a locally-initiated request/response
// interaction (used by any grain code that calls out to another actor
// through the coordinator rather than holding a direct ActorRef). It routes
// through Transport exactly like a remote peer's request would, then waits
// for the correlated response off PendingCalls.
//
// If ctx carries an active callchain.Chain -- i.e. this Call is being made
// from inside another actor's turn rather than by a top-level external
// caller -- the outbound request inherits that chain's id so the callee's
// dispatch can detect reentrancy against the same call tree (spec §4.8).
// A target already on that chain is rejected here with ReentrancyDetected
// without being sent, since its mailbox is blocked behind the turn making
// this call. A call from outside any turn (the silo's own admin surface, a freshly
// originated external request) leaves ChainID empty, and the callee's
// ChainTracker mints a fresh chain for it.
func (c *Coordinator) Call(ctx context.Context, actorType, actorID, method string,
	payload []byte,
) (*envelope.Envelope, error) {

	req := envelope.NewRequest(actorType, actorID, method, payload)

	if chain, ok := callchain.FromContext(ctx); ok {
		if chain.Visited(actorType, actorID) {
			return nil, errors.New(envelope.Wrap(envelope.KindReentrancy,
				fmt.Sprintf("actor (%s, %s) already in chain %s",
					actorType, actorID, chain.ID)))
		}
		req.ChainID = chain.ID
	}

	return c.callEnvelope(ctx, req, c.transport.Route)
}

// fireReminder implements reminder.Fire: it dispatches a synthetic request
// envelope carrying the reminder's name/payload directly into the
// activation registry (never through Transport -- a silo only ever fires a
// reminder it already owns per the ring, spec §4.10) and waits for
// dispatchBehavior's response the same way Call does, so a failed OnReminder
// call surfaces as an error the scheduler retries on the next tick.
func (c *Coordinator) fireReminder(ctx context.Context, r reminder.Reminder) error {
	actorType, actorID, name := r.Key()

	req := envelope.NewRequest(actorType, actorID, reminderMethodPrefix+name, r.Payload)

	_, err := c.callEnvelope(ctx, req, func(ctx context.Context, req *envelope.Envelope) error {
		c.activation.Dispatch(ctx, req)
		return nil
	})

	return err
}

func (c *Coordinator) callEnvelope(ctx context.Context, req *envelope.Envelope,
	route func(ctx context.Context, req *envelope.Envelope) error,
) (*envelope.Envelope, error) {

	ch := c.pending.Register(req)
	defer c.pending.Forget(req.MessageID)

	if err := route(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.IsErrorResponse() {
			return resp, errors.New(resp.ErrorMessage)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reportFailure implements RegistryConfig.ReportFailure: a grain method
// panicked or returned an error, so the owning actor type's Supervisor
// decides whether this instance should be restarted or, past its restart
// budget, permanently poisoned (spec §4.9; subsequent requests against a
// poisoned key fail fast with ActivationFailed rather than being silently
// dropped, per spec §7's error-propagation policy).
func (c *Coordinator) reportFailure(actorType, actorID string, cause error) {
	sup := c.supervisorFor(actorType)

	decision := sup.Decide(actorID, []string{actorID}, time.Now())

	ctx := context.Background()

	if decision.Escalate {
		log.WarnS(ctx, "restart budget exhausted, poisoning actor", cause,
			"actor_type", actorType, "actor_id", actorID)

		c.activation.Poison(actorType, actorID)
		c.activation.Deactivate(ctx, actorType, actorID)

		return
	}

	log.WarnS(ctx, "actor failure, scheduling restart", cause,
		"actor_type", actorType, "actor_id", actorID, "backoff", decision.Wait)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(decision.Wait)
		defer timer.Stop()

		<-timer.C

		c.activation.Deactivate(ctx, actorType, actorID)
	}()
}

func (c *Coordinator) supervisorFor(actorType string) *actor.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.supervisors[actorType]
	if !ok {
		sup = actor.NewSupervisor(c.cfg.Silo.SupervisorConfig())
		c.supervisors[actorType] = sup
	}

	return sup
}

// Shutdown runs the spec §4.11 graceful-shutdown sequence: stop accepting
// new activations, deactivate every live actor (their OnDeactivate hooks
// get a ctx bounded by ShutdownTimeout), stop the reminder scheduler, move
// to ShuttingDown and deregister from membership so the ring promptly
// stops routing new work here, then stop the bus.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.activation.StopAccepting()

	drainCtx := ctx
	if c.cfg.Silo.ShutdownTimeout > 0 {
		var drainCancel context.CancelFunc
		drainCtx, drainCancel = context.WithTimeout(ctx, c.cfg.Silo.ShutdownTimeout)
		defer drainCancel()
	}

	c.activation.DeactivateAll(drainCtx)

	c.scheduler.Stop()

	if err := c.member.Shutdown(ctx); err != nil {
		log.WarnS(ctx, "membership shutdown transition failed", err)
	}

	if err := c.member.Deregister(ctx); err != nil {
		log.WarnS(ctx, "membership deregistration failed", err)
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.bus.Stop()
	c.wg.Wait()

	return nil
}

// Deliver hands env to this silo's Transport, implementing
// grpcremote.Deliverer so cmd/quarkd can wire a Coordinator directly into a
// grpcremote.Client/Server without either package importing the other.
func (c *Coordinator) Deliver(ctx context.Context, env *envelope.Envelope) error {
	return c.transport.Deliver(ctx, env)
}

// -- transport.Router --

// OwnerOf implements transport.Router using the membership-driven ring
// snapshot.
func (c *Coordinator) OwnerOf(key string) (string, error) {
	ring := c.member.Ring()
	if ring == nil || ring.Empty() {
		return "", fmt.Errorf("silo: no ring members known yet")
	}

	return ring.OwnerOf(key)
}

// EndpointOf implements transport.Router using the endpoint directory this
// coordinator maintains independently of the ring.
func (c *Coordinator) EndpointOf(siloID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	endpoint, ok := c.endpoints[siloID]

	return endpoint, ok
}

// SelfID implements transport.Router.
func (c *Coordinator) SelfID() string {
	return c.cfg.SiloID
}

// DeactivateActor explicitly deactivates the activation for actorType/
// actorID if one exists -- the "explicit request" deactivation trigger of
// spec §4.6. Queued requests caught in the mailbox close are each answered
// with a MailboxClosed error response; a new activation for the same key
// may proceed immediately after.
func (c *Coordinator) DeactivateActor(ctx context.Context, actorType, actorID string) {
	c.activation.Deactivate(ctx, actorType, actorID)
}

// ActivationCount reports how many actors are currently activated on this
// silo, for the admin CLI's "actors" view.
func (c *Coordinator) ActivationCount() int {
	return c.activation.Count()
}

// Ring returns this silo's membership.Member, whose Ring method gives the
// current hash ring snapshot, for the admin CLI's "ring" view.
func (c *Coordinator) Ring() *membership.Member {
	return c.member
}

// Activations reports a stable-fields snapshot of every currently activated
// instance, for the admin CLI's "actors" view.
func (c *Coordinator) Activations() []ActivationSnapshot {
	return c.activation.Snapshot()
}

// MembershipTable exposes the membership table this Coordinator was
// constructed with, for the admin CLI's "members" view.
func (c *Coordinator) MembershipTable() membership.Table {
	return c.cfg.MembershipTable
}

// ReminderTable exposes the reminder table this Coordinator was constructed
// with, for the admin CLI's "reminders" view.
func (c *Coordinator) ReminderTable() reminder.Table {
	return c.cfg.ReminderTable
}

// isReminderMethod reports whether method names a reminder firing rather
// than a real wire method, used by dispatchBehavior to special-case the
// Remindable path instead of a codec.Registry lookup.
func isReminderMethod(method string) (name string, ok bool) {
	if !strings.HasPrefix(method, reminderMethodPrefix) {
		return "", false
	}

	return strings.TrimPrefix(method, reminderMethodPrefix), true
}
