package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnvelope(value int) envelope[*testMessage, string] {
	return envelope[*testMessage, string]{message: &testMessage{value: value}}
}

func TestPostBlockPolicyBehavesLikeSend(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, 1)
	defer mailbox.Close()

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPostRejectPolicyFailsWhenFull(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](
		actorCtx, 1, WithOverflowPolicy(PolicyReject),
	)
	defer mailbox.Close()

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mailbox.Post(ctx, newTestEnvelope(2))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrMailboxFull)
}

func TestPostDropNewestPolicyDiscardsIncoming(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](
		actorCtx, 1, WithOverflowPolicy(PolicyDropNewest),
	)
	defer mailbox.Close()

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mailbox.Post(ctx, newTestEnvelope(2))
	require.NoError(t, err)
	require.False(t, ok)

	var got envelope[*testMessage, string]
	for e := range mailbox.Receive(ctx) {
		got = e
		break
	}
	require.Equal(t, 1, got.message.value)
}

func TestPostDropOldestPolicyEvictsQueuedEnvelope(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](
		actorCtx, 1, WithOverflowPolicy(PolicyDropOldest),
	)
	defer mailbox.Close()

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mailbox.Post(ctx, newTestEnvelope(2))
	require.NoError(t, err)
	require.True(t, ok)

	var got envelope[*testMessage, string]
	for e := range mailbox.Receive(ctx) {
		got = e
		break
	}
	require.Equal(t, 2, got.message.value)
}

func TestPostDropOldestPolicyReportsEvictionToHandler(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](
		actorCtx, 1, WithOverflowPolicy(PolicyDropOldest),
	)
	defer mailbox.Close()

	var evicted []int
	mailbox.SetDropHandler(func(env envelope[*testMessage, string]) {
		evicted = append(evicted, env.message.value)
	})

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mailbox.Post(ctx, newTestEnvelope(2))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []int{1}, evicted)
}

func TestPostOnClosedMailboxNeverBlocks(t *testing.T) {
	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](
		actorCtx, 1, WithOverflowPolicy(PolicyReject),
	)
	mailbox.Close()

	ok, err := mailbox.Post(ctx, newTestEnvelope(1))
	require.NoError(t, err)
	require.False(t, ok)
}
