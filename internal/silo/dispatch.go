package silo

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/quarkrun/quark/internal/callchain"
	"github.com/quarkrun/quark/internal/envelope"
)

// dispatchBehavior implements actor.ActorBehavior[grainMessage,
// *envelope.Envelope] for exactly one activated Instance. Its Receive method
// is the body of spec §4.6's "Dispatch" step, run on the instance's own
// single-consumer goroutine (so every turn against this actor is strictly
// sequential, spec §4's single-threaded-per-actor guarantee) and in this
// exact order:
//
//  1. reentrancy check, before any grain code runs (spec §4.8, testable
//     property 5: "reentrancy is rejected before any handler code on the
//     re-entered actor executes")
//  2. codec lookup + decode
//  3. invoke
//  4. encode + publish response, satisfying spec §4.7's requirement that
//     send_response both returns its result AND republishes onto the bus
type dispatchBehavior struct {
	registry  *ActivationRegistry
	instance  *Instance
	actorType string
}

// Receive never panics out to the generic actor.Actor.process loop: a
// recovered grain panic is reported as a HandlerException, the same as an
// returned error, rather than being allowed to crash the instance's
// dispatcher goroutine (spec §4.11: "a panic in any single actor's
// dispatcher MUST be caught and turned into a supervision event").
func (b *dispatchBehavior) Receive(ctx context.Context, msg grainMessage) (result fn.Result[*envelope.Envelope]) {
	req := msg.env

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s.%s: %v", req.ActorType, req.MethodName, r)
			resp := b.fail(ctx, req, envelope.KindHandlerException, err.Error())
			b.reportFailure(err)
			result = fn.Ok(resp)
		}
	}()

	cfg := b.registry.cfg

	chain, err := cfg.Chains.Enter(req.ChainID, req.ActorType, req.ActorID,
		cfg.ChainDefaultDeadline, cfg.ChainMaxDepth)
	if err != nil {
		// Depth and deadline exhaustion aren't reentrancy in the
		// strict sense, but spec §4.8 treats all three as the same
		// class of "this chain can no longer advance" rejection; the
		// underlying Go error is still recoverable from Detail via
		// ParseError for anyone who needs to distinguish them.
		resp := b.fail(ctx, req, envelope.KindReentrancy, err.Error())
		return fn.Ok(resp)
	}

	ctx = callchain.WithChain(ctx, chain)

	if cfg.Caller != nil {
		ctx = WithCaller(ctx, cfg.Caller)
	}

	if name, ok := isReminderMethod(req.MethodName); ok {
		return fn.Ok(b.fireReminder(ctx, req, name))
	}

	desc, ok := cfg.Codecs.Lookup(req.ActorType, req.MethodName)
	if !ok {
		kind := envelope.KindMethodNotFound
		if !cfg.Codecs.HasActorType(req.ActorType) {
			kind = envelope.KindUnknownActorType
		}

		resp := b.fail(ctx, req, kind, req.ActorType+"."+req.MethodName)
		return fn.Ok(resp)
	}

	args, err := desc.DecodeRequest(req.Payload)
	if err != nil {
		resp := b.fail(ctx, req, envelope.KindCodecError, err.Error())
		return fn.Ok(resp)
	}

	value, err := desc.Invoke(ctx, b.instance.grain, args)
	if err != nil {
		resp := b.fail(ctx, req, envelope.KindHandlerException, err.Error())
		b.reportFailure(err)

		return fn.Ok(resp)
	}

	payload, err := desc.EncodeResponse(value)
	if err != nil {
		resp := b.fail(ctx, req, envelope.KindCodecError, err.Error())
		return fn.Ok(resp)
	}

	resp := envelope.NewSuccessResponse(req, payload)
	b.publish(ctx, resp)

	return fn.Ok(resp)
}

// fireReminder runs the Remindable capability interface directly against
// this turn's grain, rather than through codec.Registry: a reminder firing
// has no generated stub, since OnReminder is a Go method every Remindable
// grain already implements (spec §4.10).
func (b *dispatchBehavior) fireReminder(ctx context.Context, req *envelope.Envelope, name string) *envelope.Envelope {
	remindable, ok := b.instance.grain.(Remindable)
	if !ok {
		return b.fail(ctx, req, envelope.KindMethodNotFound,
			req.ActorType+" does not implement Remindable")
	}

	if err := remindable.OnReminder(ctx, name, req.Payload); err != nil {
		b.reportFailure(err)
		return b.fail(ctx, req, envelope.KindHandlerException, err.Error())
	}

	resp := envelope.NewSuccessResponse(req, reminderAck)
	b.publish(ctx, resp)

	return resp
}

func (b *dispatchBehavior) fail(ctx context.Context, req *envelope.Envelope,
	kind envelope.ErrorKind, detail string,
) *envelope.Envelope {
	resp := envelope.NewKindErrorResponse(req, kind, detail)
	b.publish(ctx, resp)

	return resp
}

func (b *dispatchBehavior) publish(ctx context.Context, resp *envelope.Envelope) {
	if err := b.registry.cfg.Publish(ctx, resp); err != nil {
		log.WarnS(ctx, "failed to publish response", err,
			"actor_type", resp.ActorType, "actor_id", resp.ActorID)
	}
}

func (b *dispatchBehavior) reportFailure(cause error) {
	if b.registry.cfg.ReportFailure != nil {
		b.registry.cfg.ReportFailure(b.instance.key.ActorType, b.instance.key.ActorID, cause)
	}
}
