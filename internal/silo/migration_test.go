package silo_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/codec"
	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/hashring"
	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/reminder"
	"github.com/quarkrun/quark/internal/silo"
	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/stretchr/testify/require"
)

// fabric is an in-process stand-in for the grpcremote client/server pair: it
// resolves a peer by id and hands envelopes straight to that peer
// coordinator's Deliver, the same entry point the gRPC server side uses. Each
// silo registers itself under its id, and -- because the test registers every
// silo with Endpoint equal to its id -- the same lookup serves both the
// RemoteSender (keyed by endpoint) and ReplySender (keyed by peer silo id)
// roles.
type fabric struct {
	mu    sync.Mutex
	peers map[string]*silo.Coordinator
}

func newFabric() *fabric {
	return &fabric{peers: make(map[string]*silo.Coordinator)}
}

func (f *fabric) register(id string, coord *silo.Coordinator) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.peers[id] = coord
}

func (f *fabric) lookup(id string) *silo.Coordinator {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.peers[id]
}

// fabricOriginKey carries the sending silo's id across an in-process
// "remote" delivery, playing the role grpcremote's stream metadata plays on
// a real wire hop.
type fabricOriginKey struct{}

// fabricLink is one silo's handle onto the fabric; Send stamps the sender's
// own id into ctx so the receiving side's OriginExtractor can recover it.
type fabricLink struct {
	self string
	net  *fabric
}

func (l *fabricLink) Send(ctx context.Context, target string, env *envelope.Envelope) error {
	peer := l.net.lookup(target)
	if peer == nil {
		return fmt.Errorf("fabric: no peer registered at %q", target)
	}

	return peer.Deliver(context.WithValue(ctx, fabricOriginKey{}, l.self), env)
}

func fabricOrigin(ctx context.Context) (string, bool) {
	peer, ok := ctx.Value(fabricOriginKey{}).(string)
	return peer, ok
}

// newClusterSilo is newTestSilo's multi-member sibling: every silo built with
// the same table and fabric shares one membership view and can reach the
// others through the in-process transport stand-in.
func newClusterSilo(t *testing.T, siloID string, table membership.Table, net *fabric,
	register func(*silo.FactoryRegistry, *codec.Registry),
) (*silo.Coordinator, context.Context) {
	t.Helper()

	factories := silo.NewFactoryRegistry()
	codecs := codec.NewRegistry()
	register(factories, codecs)

	cfg := siloconfig.DefaultSiloConfig()
	cfg.SiloID = siloID
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.FailureThreshold = time.Second
	cfg.SelfExpelThreshold = 5 * time.Second
	cfg.IdleTimeout = 0

	link := &fabricLink{self: siloID, net: net}

	coord := silo.NewCoordinator(silo.CoordinatorConfig{
		SiloID:          siloID,
		Endpoint:        siloID, // endpoint == silo id keeps the fabric's lookup trivial
		Factories:       factories,
		Codecs:          codecs,
		MembershipTable: table,
		ReminderTable:   reminder.NewMemoryTable(),
		RemoteSender:    link,
		ReplySender:     link,
		OriginExtractor: fabricOrigin,
		Silo:            cfg,
	})

	net.register(siloID, coord)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = coord.Start(ctx)
	}()

	return coord, ctx
}

// counterIDOwnedBy walks candidate actor ids until the ring places one on
// the wanted silo; with 150 virtual nodes per member this terminates after a
// handful of probes.
func counterIDOwnedBy(t *testing.T, ring *hashring.Ring, siloID string) string {
	t.Helper()

	for i := 0; i < 10_000; i++ {
		id := "order-" + strconv.Itoa(i)

		owner, err := ring.OwnerOf(hashring.ActorKey("Counter", id))
		require.NoError(t, err)

		if owner == siloID {
			return id
		}
	}

	t.Fatalf("no Counter id owned by %s in 10000 probes", siloID)
	return ""
}

// waitForCluster blocks until both silos see a 2-member ring AND can resolve
// each other's endpoint; the ring and the endpoint directory are refreshed by
// separate table subscriptions, so converging on one does not imply the
// other.
func waitForCluster(t *testing.T, silaA, silaB *silo.Coordinator) {
	t.Helper()

	require.Eventually(t, func() bool {
		if len(silaA.Ring().Ring().Members()) != 2 ||
			len(silaB.Ring().Ring().Members()) != 2 {
			return false
		}

		_, okA := silaA.EndpointOf("silo-b")
		_, okB := silaB.EndpointOf("silo-a")

		return okA && okB
	}, 5*time.Second, 5*time.Millisecond, "silos never converged on a 2-member cluster view")
}

// TestRemoteCallCrossesSilos drives spec §4.4's remote path end to end: a
// request originated on one silo for an actor the ring places on the other
// must cross the (stand-in) wire, dispatch there, and have its response
// relayed back to the originating caller -- the relay leg being exactly the
// RouteResponse path spec §4.7 warns hangs remote callers when omitted.
func TestRemoteCallCrossesSilos(t *testing.T) {
	table := membership.NewMemoryTable()
	net := newFabric()

	silaA, _ := newClusterSilo(t, "silo-a", table, net, registerCounter)
	silaB, _ := newClusterSilo(t, "silo-b", table, net, registerCounter)

	waitForCluster(t, silaA, silaB)

	id := counterIDOwnedBy(t, silaB.Ring().Ring(), "silo-a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Originate on B; the ring owner is A, so this hop is remote.
	resp, err := silaB.Call(ctx, "Counter", id, "Increment", []byte("3"))
	require.NoError(t, err)
	require.Equal(t, "3", string(resp.ResponsePayload))

	// The activation must live on A, not B.
	require.Equal(t, 1, silaA.ActivationCount())
	require.Equal(t, 0, silaB.ActivationCount())
}

// TestMigrationOnGracefulShutdown is spec §8 scenario S4: with actor o1
// pinned to silo A, shutting A down must leave callers with either a
// successful response from A (served before its drain completed) or a
// retryable error; once A has deregistered and the ring republishes, the
// retry succeeds against B, which hosts a fresh incarnation.
func TestMigrationOnGracefulShutdown(t *testing.T) {
	table := membership.NewMemoryTable()
	net := newFabric()

	silaA, _ := newClusterSilo(t, "silo-a", table, net, registerCounter)
	silaB, _ := newClusterSilo(t, "silo-b", table, net, registerCounter)

	waitForCluster(t, silaA, silaB)

	id := counterIDOwnedBy(t, silaB.Ring().Ring(), "silo-a")

	callCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	resp, err := silaB.Call(callCtx, "Counter", id, "Increment", []byte("5"))
	cancel()
	require.NoError(t, err)
	require.Equal(t, "5", string(resp.ResponsePayload))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	require.NoError(t, silaA.Shutdown(shutCtx))

	// Retry from the client until the republished ring routes the key to B.
	// Attempts inside the window may fail with SiloShuttingDown (A refused),
	// an unroutable error (B's directory mid-update), or a per-attempt
	// timeout (A's bus already stopped); all of them are the "client
	// retries" half of S4's contract.
	// An attempt can time out client-side yet still land on B once the
	// ring flips, so the value after migration isn't predictable -- only
	// that some retry eventually succeeds, served by B's own fresh
	// incarnation (no state store is wired here, so S1's count does not
	// carry over).
	require.Eventually(t, func() bool {
		attemptCtx, attemptCancel := context.WithTimeout(context.Background(),
			300*time.Millisecond)
		defer attemptCancel()

		_, err := silaB.Call(attemptCtx, "Counter", id, "Increment", []byte("2"))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond,
		"client retry never succeeded against the new owner")

	require.Equal(t, []string{"silo-b"}, silaB.Ring().Ring().Members())
	require.Equal(t, 1, silaB.ActivationCount())
}
