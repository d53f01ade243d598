package membership

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTableRegisterAndList(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()

	err := tbl.Register(ctx, Silo{ID: "s1", Endpoint: "l:1", Status: StatusJoining})
	require.NoError(t, err)

	err = tbl.Register(ctx, Silo{ID: "s1", Endpoint: "l:1", Status: StatusJoining})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	silos, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Len(t, silos, 1)
	require.Equal(t, "s1", silos[0].ID)
}

func TestMemoryTableHeartbeatAndEvictIdempotent(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()

	require.NoError(t, tbl.Register(ctx, Silo{ID: "s1", Status: StatusActive}))
	require.NoError(t, tbl.Heartbeat(ctx, "s1"))
	require.ErrorIs(t, tbl.Heartbeat(ctx, "missing"), ErrNotFound)

	require.NoError(t, tbl.Evict(ctx, "s1"))
	require.NoError(t, tbl.Evict(ctx, "s1")) // idempotent
	require.NoError(t, tbl.Evict(ctx, "never-registered"))

	silos, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusDead, silos[0].Status)
}

func TestMemoryTableSubscribeNotifiesOnChange(t *testing.T) {
	tbl := NewMemoryTable()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := tbl.Subscribe(ctx)

	require.NoError(t, tbl.Register(ctx, Silo{ID: "s1", Status: StatusJoining}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestIsFailureEligible(t *testing.T) {
	now := time.Now()

	stale := Silo{Status: StatusActive, LastHeartbeat: now.Add(-time.Hour)}
	require.True(t, IsFailureEligible(stale, now, 5*time.Second))

	fresh := Silo{Status: StatusActive, LastHeartbeat: now}
	require.False(t, IsFailureEligible(fresh, now, 5*time.Second))

	inactive := Silo{Status: StatusDead, LastHeartbeat: now.Add(-time.Hour)}
	require.False(t, IsFailureEligible(inactive, now, 5*time.Second))
}

func TestHasQuorum(t *testing.T) {
	require.True(t, HasQuorum(2, 3))
	require.False(t, HasQuorum(1, 3))
	require.True(t, HasQuorum(1, 1))
	require.False(t, HasQuorum(0, 0))
}

func TestMemberStartJoinsAndBuildsRing(t *testing.T) {
	tbl := NewMemoryTable()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.FailureThreshold = time.Hour
	cfg.SelfExpelThreshold = time.Hour

	member := NewMember(tbl, Silo{ID: "s1", Endpoint: "l:1"}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_ = member.Start(ctx)

	silos, err := tbl.List(context.Background())
	require.NoError(t, err)
	require.Len(t, silos, 1)
	require.Equal(t, StatusActive, silos[0].Status)

	owner, err := member.Ring().OwnerOf("Order/o1")
	require.NoError(t, err)
	require.Equal(t, "s1", owner)
}

func TestMemberShutdownAndDeregister(t *testing.T) {
	tbl := NewMemoryTable()
	ctx := context.Background()

	cfg := DefaultConfig()
	member := NewMember(tbl, Silo{ID: "s1"}, cfg)
	require.NoError(t, tbl.Register(ctx, Silo{ID: "s1", Status: StatusActive}))

	require.NoError(t, member.Shutdown(ctx))
	require.True(t, member.ShuttingDown())

	require.NoError(t, member.Deregister(ctx))

	silos, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusDead, silos[0].Status)
}

// unreachableTable wraps a MemoryTable but always fails Heartbeat, standing
// in for a silo that has lost contact with the real membership table
// entirely.
type unreachableTable struct {
	*MemoryTable
}

func (unreachableTable) Heartbeat(context.Context, string) error {
	return errors.New("unreachableTable: simulated partition")
}

func TestMemberSelfExpelsAfterLosingContact(t *testing.T) {
	tbl := unreachableTable{NewMemoryTable()}

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.FailureThreshold = time.Hour
	cfg.SelfExpelThreshold = 20 * time.Millisecond

	member := NewMember(tbl, Silo{ID: "s1", Endpoint: "l:1"}, cfg)

	var expelled atomic.Bool
	member.OnShuttingDown(func() { expelled.Store(true) })

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() { _ = member.Start(runCtx) }()

	require.Eventually(t, func() bool {
		return member.ShuttingDown()
	}, time.Second, 5*time.Millisecond, "member never self-expelled after losing contact")

	require.True(t, expelled.Load(), "OnShuttingDown callback never fired")
}
