package silo_test

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/reminder"
	"github.com/quarkrun/quark/internal/silo"
	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/stretchr/testify/require"
)

// newTestSilo wires a single-member Coordinator against in-memory
// membership/reminder tables, with no RemoteSender: a one-silo ring never
// routes outside itself (internal/transport.Transport.Route's local
// branch), so there is nothing for a remote sender to ever be asked to do.
// register is handed the coordinator's codec/factory registries to
// populate before any envelope is dispatched. opts may tweak cfg before the
// coordinator is built, e.g. to shrink the restart budget for a fast
// supervision test.
func newTestSilo(t *testing.T, register func(*silo.FactoryRegistry, *codec.Registry),
	opts ...func(*siloconfig.SiloConfig),
) (*silo.Coordinator, context.Context) {
	t.Helper()

	factories := silo.NewFactoryRegistry()
	codecs := codec.NewRegistry()
	register(factories, codecs)

	cfg := siloconfig.DefaultSiloConfig()
	cfg.SiloID = "silo-test"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.FailureThreshold = time.Second
	cfg.IdleTimeout = 0 // disabled by default; tests that need reaping set it explicitly

	for _, opt := range opts {
		opt(&cfg)
	}

	coord := silo.NewCoordinator(silo.CoordinatorConfig{
		SiloID:          cfg.SiloID,
		Endpoint:        "127.0.0.1:0",
		Factories:       factories,
		Codecs:          codecs,
		MembershipTable: membership.NewMemoryTable(),
		ReminderTable:   reminder.NewMemoryTable(),
		Silo:            cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = coord.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		ring := coord.Ring().Ring()
		return ring != nil && !ring.Empty()
	}, time.Second, 2*time.Millisecond, "silo never joined its own ring")

	return coord, ctx
}
