package silo_test

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/silo"
	"github.com/stretchr/testify/require"
)

// TestIncrementCounterConcurrentCallers is spec §8 scenario S1: three
// concurrent callers against one Counter actor, two Increments and one
// GetValue, all completing exactly once with a commutative final value.
func TestIncrementCounterConcurrentCallers(t *testing.T) {
	coord, ctx := newTestSilo(t, registerCounter)

	var wg sync.WaitGroup
	results := make(chan int, 3)
	errs := make(chan error, 3)

	call := func(delta int) {
		defer wg.Done()

		resp, err := coord.Call(ctx, "Counter", "c1", "Increment",
			[]byte(strconv.Itoa(delta)))
		if err != nil {
			errs <- err
			return
		}

		n, err := strconv.Atoi(string(resp.ResponsePayload))
		if err != nil {
			errs <- err
			return
		}

		results <- n
	}

	wg.Add(2)
	go call(5)
	go call(7)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for n := range results {
		require.Contains(t, []int{5, 7, 12}, n)
	}

	resp, err := coord.Call(ctx, "Counter", "c1", "GetValue", nil)
	require.NoError(t, err)
	require.Equal(t, "12", string(resp.ResponsePayload))
}

// TestConcurrentIncrementsAreSequential is spec §8 scenario S2: the
// mailbox's single-consumer loop serializes 100 concurrent Increment(1)
// calls against one actor into exactly 100 net increments -- the property
// that makes the per-actor turn model safe without per-actor locks.
func TestConcurrentIncrementsAreSequential(t *testing.T) {
	coord, ctx := newTestSilo(t, registerCounter)

	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()

			_, err := coord.Call(ctx, "Counter", "c2", "Increment", []byte("1"))
			require.NoError(t, err)
		}()
	}

	wg.Wait()

	resp, err := coord.Call(ctx, "Counter", "c2", "GetValue", nil)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(n), string(resp.ResponsePayload))
}

// TestReentrancyBlocksCycleWithinChain is spec §8 scenario S5: Ping calls
// Pong, Pong calls back into the same Ping actor within the same chain.
// The second visit to Ping must be rejected with ReentrancyDetected before
// pingGrain.Start runs a second time, and the error must propagate all the
// way back out to the original caller rather than deadlocking.
func TestReentrancyBlocksCycleWithinChain(t *testing.T) {
	coord, ctx := newTestSilo(t, registerPingPong)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Call(ctx, "Ping", "ping-1", "Start", []byte("pong-1"))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err, "reentrant cycle must surface as an error, not hang forever")
		require.Contains(t, err.Error(), string(envelope.KindReentrancy))
	case <-time.After(2 * time.Second):
		t.Fatal("Ping->Pong->Ping cycle never returned: reentrancy guard failed to unblock it")
	}
}

// TestReentrancyDoesNotLeakAcrossChains confirms the ChainTracker entry
// created (and rejected) by one top-level call does not poison a later, unrelated top-level call against the same actor
// pair: each of two independent Ping->Pong->Ping cycles must fail with its
// own ReentrancyDetected, not hang or succeed because of state left behind
// by the previous call.
func TestReentrancyDoesNotLeakAcrossChains(t *testing.T) {
	coord, ctx := newTestSilo(t, registerPingPong)

	for i := 0; i < 2; i++ {
		_, err := coord.Call(ctx, "Ping", "solo-ping", "Start", []byte("solo-pong"))
		require.Error(t, err)
		require.Contains(t, err.Error(), string(envelope.KindReentrancy))
	}
}

// TestUnknownActorTypeSurfacesError exercises spec §7's UnknownActorType
// path: no factory registered for the requested actor type.
func TestUnknownActorTypeSurfacesError(t *testing.T) {
	coord, ctx := newTestSilo(t, func(*silo.FactoryRegistry, *codec.Registry) {})

	_, err := coord.Call(ctx, "NoSuchActor", "x", "DoThing", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), string(envelope.KindUnknownActorType))
}

// TestMethodNotFoundSurfacesError exercises spec §7's MethodNotFound path:
// the actor type exists but the method does not.
func TestMethodNotFoundSurfacesError(t *testing.T) {
	coord, ctx := newTestSilo(t, registerCounter)

	_, err := coord.Call(ctx, "Counter", "c3", "Frobnicate", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), string(envelope.KindMethodNotFound))
}

// TestCodecErrorSurfacesOnMalformedPayload exercises spec §7's CodecError
// path: Increment's decoder rejects non-numeric bytes.
func TestCodecErrorSurfacesOnMalformedPayload(t *testing.T) {
	coord, ctx := newTestSilo(t, registerCounter)

	_, err := coord.Call(ctx, "Counter", "c4", "Increment", []byte("not-a-number"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), string(envelope.KindCodecError)))
}
