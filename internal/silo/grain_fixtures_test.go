package silo_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/silo"
)

// The fixtures in this file play the role generated actor stubs would play
// in a real quark binary (spec §4.1/§9): one Factory plus one codec
// MethodDescriptor per method, all registered by hand the way a codegen
// pass would emit them at build time. Test files register only what they
// need against a fresh codec.Registry/silo.FactoryRegistry pair per test,
// mirroring the static, no-reflection, build-time registration pattern the
// spec mandates.

// -- Counter (spec §8 scenarios S1, S2) --

type counterGrain struct {
	id string

	mu    sync.Mutex
	value int
}

func newCounterGrain(id string) silo.Grain { return &counterGrain{id: id} }

func (c *counterGrain) ActorID() string { return c.id }

func (c *counterGrain) Increment(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value += delta

	return c.value
}

func (c *counterGrain) GetValue() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}

// registerCounter wires the "Counter" actor type into factories/codecs,
// with the int argument/return encoded as its decimal ASCII form -- a
// stand-in for whatever real wire codec a build step would generate, kept
// intentionally trivial since spec §4.1 treats the payload as opaque.
func registerCounter(factories *silo.FactoryRegistry, codecs *codec.Registry) {
	factories.Register("Counter", newCounterGrain)

	codecs.MustRegisterMethod("Counter", "Increment", codec.MethodDescriptor{
		DecodeRequest: func(payload []byte) (any, error) {
			return strconv.Atoi(string(payload))
		},
		EncodeResponse: func(value any) ([]byte, error) {
			return []byte(strconv.Itoa(value.(int))), nil
		},
		Invoke: func(_ any, a any, args any) (any, error) {
			return a.(*counterGrain).Increment(args.(int)), nil
		},
	})

	codecs.MustRegisterMethod("Counter", "GetValue", codec.MethodDescriptor{
		DecodeRequest: func([]byte) (any, error) {
			return nil, nil
		},
		EncodeResponse: func(value any) ([]byte, error) {
			return []byte(strconv.Itoa(value.(int))), nil
		},
		Invoke: func(_ any, a any, _ any) (any, error) {
			return a.(*counterGrain).GetValue(), nil
		},
	})
}

// -- Ping/Pong (spec §8 scenario S5: reentrancy) --

// pingGrain's Start method calls out to a Pong actor through the ambient
// silo.Caller (spec §4.8/§4.9's cross-actor call path), which in turn calls
// back into the very Ping actor id that started the chain -- the cycle
// S5 requires dispatch to reject with ReentrancyDetected.
type pingGrain struct{ id string }

func newPingGrain(id string) silo.Grain { return &pingGrain{id: id} }

func (p *pingGrain) ActorID() string { return p.id }

func (p *pingGrain) Start(ctx context.Context, pongID string) (string, error) {
	caller, ok := silo.CallerFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("ping: no caller in context")
	}

	resp, err := caller.Call(ctx, "Pong", pongID, "Bounce", []byte(p.id))
	if err != nil {
		return "", err
	}

	return string(resp.ResponsePayload), nil
}

type pongGrain struct{ id string }

func newPongGrain(id string) silo.Grain { return &pongGrain{id: id} }

func (p *pongGrain) ActorID() string { return p.id }

func (p *pongGrain) Bounce(ctx context.Context, backToPingID string) (string, error) {
	caller, ok := silo.CallerFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("pong: no caller in context")
	}

	// Calls back into the Ping actor that started this chain -- this is
	// the reentrant hop S5 expects to be rejected before pingGrain.Start
	// runs a second time.
	_, err := caller.Call(ctx, "Ping", backToPingID, "Start", []byte(p.id))
	if err != nil {
		return "", err
	}

	return "bounced", nil
}

func registerPingPong(factories *silo.FactoryRegistry, codecs *codec.Registry) {
	factories.Register("Ping", newPingGrain)
	factories.Register("Pong", newPongGrain)

	codecs.MustRegisterMethod("Ping", "Start", codec.MethodDescriptor{
		DecodeRequest: func(payload []byte) (any, error) { return string(payload), nil },
		EncodeResponse: func(value any) ([]byte, error) {
			return []byte(value.(string)), nil
		},
		Invoke: func(ctx any, a any, args any) (any, error) {
			return a.(*pingGrain).Start(ctx.(context.Context), args.(string))
		},
	})

	codecs.MustRegisterMethod("Pong", "Bounce", codec.MethodDescriptor{
		DecodeRequest: func(payload []byte) (any, error) { return string(payload), nil },
		EncodeResponse: func(value any) ([]byte, error) {
			return []byte(value.(string)), nil
		},
		Invoke: func(ctx any, a any, args any) (any, error) {
			return a.(*pongGrain).Bounce(ctx.(context.Context), args.(string))
		},
	})
}

// -- Flaky (spec §8 scenario S6: supervision restart cap) --

// flakyGrain fails every message it receives, so its Supervisor decision
// (configured by the coordinator under test) is exercised on every turn.
type flakyGrain struct {
	id    string
	calls atomic.Int32
}

func newFlakyGrain(id string) silo.Grain { return &flakyGrain{id: id} }

func (f *flakyGrain) ActorID() string { return f.id }

func (f *flakyGrain) Fail(context.Context, struct{}) (struct{}, error) {
	f.calls.Add(1)
	return struct{}{}, fmt.Errorf("flaky: deliberate failure")
}

func registerFlaky(factories *silo.FactoryRegistry, codecs *codec.Registry) {
	factories.Register("Flaky", newFlakyGrain)

	codecs.MustRegisterMethod("Flaky", "Fail", codec.MethodDescriptor{
		DecodeRequest:  func([]byte) (any, error) { return struct{}{}, nil },
		EncodeResponse: func(any) ([]byte, error) { return nil, nil },
		Invoke: func(ctx any, a any, args any) (any, error) {
			return a.(*flakyGrain).Fail(ctx.(context.Context), args.(struct{}))
		},
	})
}

// -- Warmup (concurrent cold-key activation path) --

// warmupGrain's OnActivate counts invocations and sleeps long enough for
// concurrent requests against the same cold key to pile up behind the
// activating goroutine, exercising the registry's slot-reservation gate.
type warmupGrain struct {
	id          string
	activations *atomic.Int32
}

func (g *warmupGrain) ActorID() string { return g.id }

func (g *warmupGrain) OnActivate(context.Context) error {
	g.activations.Add(1)
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (g *warmupGrain) Echo(payload string) string { return payload }

func registerWarmup(activations *atomic.Int32) func(*silo.FactoryRegistry, *codec.Registry) {
	return func(factories *silo.FactoryRegistry, codecs *codec.Registry) {
		factories.Register("Warmup", func(id string) silo.Grain {
			return &warmupGrain{id: id, activations: activations}
		})

		codecs.MustRegisterMethod("Warmup", "Echo", codec.MethodDescriptor{
			DecodeRequest:  func(payload []byte) (any, error) { return string(payload), nil },
			EncodeResponse: func(value any) ([]byte, error) { return []byte(value.(string)), nil },
			Invoke: func(_ any, a any, args any) (any, error) {
				return a.(*warmupGrain).Echo(args.(string)), nil
			},
		})
	}
}

// -- Gate (mailbox drain / overflow paths) --

// gateGrain's Wait method signals entry on entered, then blocks until
// release is closed, letting a test hold one turn in flight while it queues
// further requests behind it.
type gateGrain struct {
	id string

	entered chan struct{}
	release chan struct{}
}

func (g *gateGrain) ActorID() string { return g.id }

// registerGate wires the "Gate" actor type; the returned helper closes over
// the test's coordination channels since Factory has no way to pass them
// per-activation.
func registerGate(entered, release chan struct{}) func(*silo.FactoryRegistry, *codec.Registry) {
	return func(factories *silo.FactoryRegistry, codecs *codec.Registry) {
		factories.Register("Gate", func(id string) silo.Grain {
			return &gateGrain{id: id, entered: entered, release: release}
		})

		codecs.MustRegisterMethod("Gate", "Wait", codec.MethodDescriptor{
			DecodeRequest:  func([]byte) (any, error) { return struct{}{}, nil },
			EncodeResponse: func(any) ([]byte, error) { return []byte("ok"), nil },
			Invoke: func(_ any, a any, _ any) (any, error) {
				g := a.(*gateGrain)
				g.entered <- struct{}{}
				<-g.release
				return struct{}{}, nil
			},
		})
	}
}

// -- Broken (ActivationFailed path) --

// brokenGrain's OnActivate always fails, so every Dispatch against it
// exercises spec §4.6's activation-failure path instead of ever reaching
// Running state.
type brokenGrain struct{ id string }

func newBrokenGrain(id string) silo.Grain { return &brokenGrain{id: id} }

func (b *brokenGrain) ActorID() string { return b.id }

func (b *brokenGrain) OnActivate(context.Context) error {
	return fmt.Errorf("broken: setup always fails")
}

func registerBroken(factories *silo.FactoryRegistry, codecs *codec.Registry) {
	factories.Register("Broken", newBrokenGrain)

	codecs.MustRegisterMethod("Broken", "Ping", codec.MethodDescriptor{
		DecodeRequest:  func([]byte) (any, error) { return struct{}{}, nil },
		EncodeResponse: func(any) ([]byte, error) { return nil, nil },
		Invoke: func(any, any, any) (any, error) {
			return struct{}{}, nil
		},
	})
}
