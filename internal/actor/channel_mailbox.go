package actor

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
)

// OverflowPolicy selects what a mailbox does when Post is called against a
// full mailbox (spec §4.5). Send/TrySend are unaffected by this setting and
// retain their original blocking/non-blocking semantics; Post is the
// policy-aware entry point the silo dispatcher uses.
type OverflowPolicy int

const (
	// PolicyBlock makes Post behave like Send: the caller waits for
	// room. This is the spec default.
	PolicyBlock OverflowPolicy = iota

	// PolicyDropOldest evicts the oldest queued envelope to make room
	// for the new one.
	PolicyDropOldest

	// PolicyDropNewest discards the incoming envelope, leaving the
	// queue untouched.
	PolicyDropNewest

	// PolicyReject fails Post immediately with ErrMailboxFull.
	PolicyReject
)

// ErrMailboxFull is returned by Post under PolicyReject when the mailbox is
// at capacity.
var ErrMailboxFull = fmt.Errorf("actor: mailbox full")

// ChannelMailbox is a Mailbox implementation backed by a Go channel. It
// provides thread-safe send and receive operations with support for context
// cancellation.
type ChannelMailbox[M Message, R any] struct {
	// ch is the underlying channel used to store envelopes.
	ch chan envelope[M, R]

	// closed indicates whether the mailbox has been closed. Uses atomic
	// operations for lock-free reads.
	closed atomic.Bool

	// mu protects send operations to prevent sending to a closed channel.
	mu sync.RWMutex

	// closeOnce ensures Close() is executed exactly once.
	closeOnce sync.Once

	// actorCtx is the context governing the actor's lifecycle. When this
	// context is cancelled, receive operations will terminate.
	actorCtx context.Context

	// overflow selects Post's behavior once the mailbox is full.
	overflow OverflowPolicy

	// onDrop, when set, is invoked with every envelope PolicyDropOldest
	// evicts from the queue to make room. The incoming envelope a policy
	// refuses outright (DropNewest, Reject) is reported through Post's
	// own return values instead; only an eviction happens out of the
	// caller's sight and therefore needs a callback.
	onDrop func(envelope[M, R])
}

// MailboxOption configures a ChannelMailbox at construction time.
type MailboxOption func(*mailboxOptions)

type mailboxOptions struct {
	overflow OverflowPolicy
}

// WithOverflowPolicy sets the policy Post applies once the mailbox is at
// capacity (spec §4.5's selectable-per-actor-type overflow policies).
func WithOverflowPolicy(p OverflowPolicy) MailboxOption {
	return func(o *mailboxOptions) { o.overflow = p }
}

// NewChannelMailbox creates a new channel-based mailbox with the given
// capacity and actor context. If capacity is 0 or negative, it defaults to 1
// to ensure the mailbox is buffered. Without WithOverflowPolicy, Post
// behaves like Send (PolicyBlock), matching spec §4.5's default.
func NewChannelMailbox[M Message, R any](
	actorCtx context.Context, capacity int, opts ...MailboxOption,
) *ChannelMailbox[M, R] {
	if capacity <= 0 {
		capacity = 1
	}

	o := &mailboxOptions{overflow: PolicyBlock}
	for _, opt := range opts {
		opt(o)
	}

	return &ChannelMailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
		overflow: o.overflow,
	}
}

// SetDropHandler registers fn to be called with every envelope
// PolicyDropOldest evicts. It must be called before the mailbox sees
// traffic (NewActor does so during construction); the handler runs on
// whichever goroutine's Post triggered the eviction.
func (m *ChannelMailbox[M, R]) SetDropHandler(fn func(envelope[M, R])) {
	m.onDrop = fn
}

// Post enqueues env according to the mailbox's configured OverflowPolicy
// (spec §4.5). Unlike Send, which always blocks on a full mailbox, Post
// applies DropOldest/DropNewest/Reject semantics when configured. It
// returns false (with ErrMailboxFull for PolicyReject) if the envelope was
// not enqueued -- callers dispatching a request envelope must, per spec
// §4.5, turn that into a MailboxFull error response rather than silently
// discarding it.
func (m *ChannelMailbox[M, R]) Post(ctx context.Context, env envelope[M, R]) (bool, error) {
	switch m.overflow {
	case PolicyBlock:
		return m.Send(ctx, env), nil

	case PolicyReject:
		if m.TrySend(env) {
			return true, nil
		}
		if m.IsClosed() {
			return false, nil
		}
		return false, ErrMailboxFull

	case PolicyDropNewest:
		if m.TrySend(env) {
			return true, nil
		}
		// Mailbox full (or closed): the new envelope is dropped.
		return false, nil

	case PolicyDropOldest:
		for i := 0; i < 2; i++ {
			if m.TrySend(env) {
				return true, nil
			}
			if m.IsClosed() {
				return false, nil
			}
			// Evict one queued envelope to make room, then retry
			// once.
			select {
			case dropped := <-m.ch:
				if m.onDrop != nil {
					m.onDrop(dropped)
				}
			default:
			}
		}
		return false, nil

	default:
		return m.Send(ctx, env), nil
	}
}

// Send attempts to send an envelope to the mailbox. It blocks until either the
// envelope is accepted, the caller's context is cancelled, or the actor's
// context is cancelled. Returns true if the envelope was successfully sent,
// false otherwise.
func (m *ChannelMailbox[M, R]) Send(ctx context.Context,
	env envelope[M, R],
) bool {
	// Check contexts before acquiring the lock as an optimization. This
	// allows fast-path rejection when contexts are already cancelled,
	// avoiding unnecessary lock acquisition. The select statement below
	// still handles the case where contexts are cancelled after this check.
	if ctx.Err() != nil {
		return false
	}
	if m.actorCtx.Err() != nil {
		return false
	}

	// Hold the read lock for the entire send operation to prevent
	// send-on-closed-channel panics. The read lock allows concurrent sends
	// but blocks when Close() acquires the write lock.
	//
	// Safety: The channel send in the select below cannot panic because:
	// 1. We hold the read lock for the entire operation
	// 2. Close() must acquire the write lock before closing the channel
	// 3. The write lock cannot be acquired while any read lock is held
	// 4. Therefore, the channel cannot be closed while we're in this block
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	// Attempt to send the envelope, respecting both the caller's context
	// and the actor's context for cancellation.
	select {
	case m.ch <- env:
		log.TraceS(ctx, "Mailbox send succeeded",
			"msg_type", env.message.MessageType(),
			"queue_len", len(m.ch))

		return true

	case <-ctx.Done():
		log.TraceS(ctx, "Mailbox send failed, caller context cancelled",
			"msg_type", env.message.MessageType())

		return false

	case <-m.actorCtx.Done():
		log.TraceS(ctx, "Mailbox send failed, actor context cancelled",
			"msg_type", env.message.MessageType())

		return false
	}
}

// TrySend attempts to send an envelope to the mailbox without blocking. It
// returns true if the envelope was successfully sent, false if the mailbox is
// full, closed, or the actor has been terminated.
func (m *ChannelMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	// Check if the actor has been terminated before attempting to send.
	// This ensures TrySend respects the actor's lifecycle consistently
	// with Send.
	if m.actorCtx.Err() != nil {
		return false
	}

	// Hold the read lock for the entire send operation to prevent
	// send-on-closed-channel panics.
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive returns an iterator over envelopes in the mailbox. The iterator will
// yield envelopes as they arrive and will stop when the provided context is
// cancelled or when the mailbox is closed and drained.
//
// Context cancellation is checked before each receive attempt to ensure
// deterministic shutdown behavior. This prevents the select statement from
// racing between a ready channel and cancelled context.
func (m *ChannelMailbox[M, R]) Receive(
	ctx context.Context,
) iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		for {
			// Check context first for deterministic shutdown. This
			// ensures we stop receiving as soon as the context is
			// cancelled, rather than racing in the select.
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}

				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close closes the mailbox, preventing any further sends. This method is safe
// to call multiple times; only the first call will have an effect. The write
// lock blocks concurrent sends, preventing send-on-closed-channel panics.
func (m *ChannelMailbox[M, R]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		remainingMsgs := len(m.ch)
		log.DebugS(m.actorCtx, "Mailbox closing",
			"remaining_messages", remainingMsgs)

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed returns true if the mailbox has been closed. This method performs a
// lock-free read using atomic operations.
func (m *ChannelMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain returns an iterator over any remaining envelopes in the mailbox. This
// should only be called after Close() has been invoked. The iterator will
// yield all remaining envelopes and then stop. If the mailbox is not closed,
// it returns immediately without draining.
func (m *ChannelMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		// Only drain if the mailbox has been closed.
		if !m.IsClosed() {
			return
		}

		// Drain remaining messages using a non-blocking select to avoid
		// hanging if the channel is empty.
		for {
			select {
			case env, ok := <-m.ch:
				// Channel was closed and fully drained.
				if !ok {
					return
				}

				// Yield the envelope. If yield returns false, the
				// consumer wants to stop early.
				if !yield(env) {
					return
				}

			default:
				// No more messages available, return.
				return
			}
		}
	}
}
