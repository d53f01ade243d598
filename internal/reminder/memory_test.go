package reminder_test

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/reminder"
	"github.com/stretchr/testify/require"
)

func TestMemoryTableClaimExclusivity(t *testing.T) {
	table := reminder.NewMemoryTable()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, table.Upsert(ctx, reminder.Reminder{
		OwnerActorType: "cart",
		OwnerActorID:   "c-1",
		Name:           "abandon",
		DueAt:          now,
	}))

	ok, err := table.Claim(ctx, "cart", "c-1", "abandon", "silo-a", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Claim(ctx, "cart", "c-1", "abandon", "silo-b", now)
	require.NoError(t, err)
	require.False(t, ok, "a second silo must not win a fresh claim")

	ok, err = table.Claim(ctx, "cart", "c-1", "abandon", "silo-b",
		now.Add(reminder.ClaimTTL+time.Second))
	require.NoError(t, err)
	require.True(t, ok, "a stale claim must be reclaimable")
}

func TestMemoryTableUpdateNextReleasesClaim(t *testing.T) {
	table := reminder.NewMemoryTable()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, table.Upsert(ctx, reminder.Reminder{
		OwnerActorType: "cart",
		OwnerActorID:   "c-1",
		Name:           "abandon",
		DueAt:          now,
		Period:         time.Hour,
	}))

	ok, err := table.Claim(ctx, "cart", "c-1", "abandon", "silo-a", now)
	require.NoError(t, err)
	require.True(t, ok)

	next := now.Add(time.Hour)
	require.NoError(t, table.UpdateNext(ctx, "cart", "c-1", "abandon", next))

	due, err := table.ListDue(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due, "reminder should no longer be due immediately after UpdateNext")

	ok, err = table.Claim(ctx, "cart", "c-1", "abandon", "silo-b", next)
	require.NoError(t, err)
	require.True(t, ok, "claim must be released by UpdateNext")
}

func TestMemoryTableDeleteUnknownReturnsNotFound(t *testing.T) {
	table := reminder.NewMemoryTable()
	err := table.Delete(context.Background(), "cart", "c-1", "abandon")
	require.ErrorIs(t, err, reminder.ErrNotFound)
}
