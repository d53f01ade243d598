package silo_test

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/actor"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/stretchr/testify/require"
)

// withFastSupervisor shrinks the restart budget (and widens the window so
// no restart ages out mid-test) for spec §8 scenario S6 ("supervisor
// permanently poisons after N restarts"). The budget is counted on the
// failure itself, not on the delayed restart, so the test never waits out
// the real backoff schedule.
func withFastSupervisor(maxRestarts int) func(*siloconfig.SiloConfig) {
	return func(cfg *siloconfig.SiloConfig) {
		cfg.DefaultSupervisionStrategy = actor.OneForOne
		cfg.DefaultMaxRestartsInWindow = maxRestarts
		cfg.DefaultRestartWindowDuration = time.Minute
	}
}

// TestSupervisionRestartCapPoisonsAfterBudget is spec §8 scenario S6: an
// actor that fails every turn gets restarted up to MaxRestartsInWindow
// times, then is poisoned -- every call against it afterward must fail
// fast with ActivationFailed (HandlerException for the failures up to that
// point, never a silent drop).
func TestSupervisionRestartCapPoisonsAfterBudget(t *testing.T) {
	const maxRestarts = 3

	coord, ctx := newTestSilo(t, registerFlaky, withFastSupervisor(maxRestarts))

	// Each failing call returns HandlerException while still under
	// budget: the supervisor schedules a restart asynchronously, but
	// the failing turn's own response is never suppressed.
	for i := 0; i < maxRestarts; i++ {
		_, err := coord.Call(ctx, "Flaky", "f1", "Fail", nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), string(envelope.KindHandlerException))
	}

	// Give Coordinator.reportFailure's asynchronous restarts time to
	// settle so the next failure runs past the budget and poisons the key.
	require.Eventually(t, func() bool {
		_, err := coord.Call(ctx, "Flaky", "f1", "Fail", nil)
		return err != nil && strings.Contains(err.Error(), string(envelope.KindActivationFailed))
	}, 2*time.Second, 10*time.Millisecond,
		"actor was never poisoned after exceeding its restart budget")

	// Once poisoned, it stays poisoned: a later call still fails fast
	// rather than re-activating.
	_, err := coord.Call(ctx, "Flaky", "f1", "Fail", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), string(envelope.KindActivationFailed))
}

// TestConcurrentColdActivationCreatesOneInstance races many dispatches at
// the same never-activated key while its OnActivate hook is deliberately
// slow: the registry's slot reservation must hand latecomers a fully
// constructed instance (not the half-built reservation), every call must
// succeed, and the factory/OnActivate pair must run exactly once.
func TestConcurrentColdActivationCreatesOneInstance(t *testing.T) {
	var activations atomic.Int32

	coord, ctx := newTestSilo(t, registerWarmup(&activations))

	const callers = 10

	var wg sync.WaitGroup
	wg.Add(callers)

	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()

			resp, err := coord.Call(ctx, "Warmup", "w1", "Echo", []byte("hi"))
			if err == nil && string(resp.ResponsePayload) != "hi" {
				err = fmt.Errorf("unexpected echo: %q", resp.ResponsePayload)
			}
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), activations.Load(),
		"concurrent cold dispatches must activate exactly once")
}

// TestActivationFailedDoesNotLeaveHalfActivatedSlot exercises the
// OnActivate-fails path directly: resolve must roll back the reserved slot
// so the key stays callable (and fails the same way) on every subsequent
// attempt, rather than wedging in a half-activated state.
func TestActivationFailedDoesNotLeaveHalfActivatedSlot(t *testing.T) {
	coord, ctx := newTestSilo(t, registerBroken)

	for i := 0; i < 3; i++ {
		_, err := coord.Call(ctx, "Broken", "b1", "Ping", nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), string(envelope.KindActivationFailed))
	}
}

