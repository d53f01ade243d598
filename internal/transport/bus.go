// Package transport implements the inter-silo delivery machinery of spec
// §4.7 and the local-loopback optimization of spec §4.4: envelopes either
// cross the wire via grpcremote, or -- when the target actor lives on this
// silo -- are handed directly to the EnvelopeBus, skipping serialization
// entirely while remaining observationally identical to a remote call.
package transport

import (
	"context"
	"sync"

	"github.com/quarkrun/quark/internal/envelope"
)

// DefaultBusBuffer is the default capacity of an EnvelopeBus's internal
// channels.
const DefaultBusBuffer = 256

// EnvelopeBus is the single point every envelope destined for or departing
// this silo passes through. It fans a single inbound stream out to two
// disjoint, filtered subscriber channels -- Requests and Responses -- so
// that the silo dispatcher and the outbound-call completion path each see
// exactly the envelopes meant for them and nothing else (spec §4.7's
// "dual filter" requirement). A single undifferentiated channel handed to
// both sides would let a response be redelivered to the dispatcher as if it
// were a new request, forming an echo loop; the filter here is what
// prevents that regardless of how many producers call Publish.
type EnvelopeBus struct {
	in chan *envelope.Envelope

	requests  chan *envelope.Envelope
	responses chan *envelope.Envelope

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEnvelopeBus creates a bus with the given channel buffer size. A
// bufferSize <= 0 uses DefaultBusBuffer.
func NewEnvelopeBus(bufferSize int) *EnvelopeBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBusBuffer
	}

	return &EnvelopeBus{
		in:        make(chan *envelope.Envelope, bufferSize),
		requests:  make(chan *envelope.Envelope, bufferSize),
		responses: make(chan *envelope.Envelope, bufferSize),
	}
}

// Start begins the fan-out loop. Publish may be called before Start; the
// inbound channel is buffered, so it blocks only once that buffer is full,
// until the loop drains it.
func (b *EnvelopeBus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop halts the fan-out loop and waits for it to exit. Publish must not be
// called after Stop returns.
func (b *EnvelopeBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *EnvelopeBus) loop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-b.in:
			var out chan *envelope.Envelope
			if env.IsRequest() {
				out = b.requests
			} else {
				out = b.responses
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish enqueues env onto the bus for fan-out. It blocks until either the
// internal buffer has room or ctx is done.
func (b *EnvelopeBus) Publish(ctx context.Context, env *envelope.Envelope) error {
	select {
	case b.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requests returns the channel of request envelopes, consumed by the silo
// dispatcher.
func (b *EnvelopeBus) Requests() <-chan *envelope.Envelope {
	return b.requests
}

// Responses returns the channel of response envelopes (success or error),
// consumed by whatever completes the matching outbound Ask call.
func (b *EnvelopeBus) Responses() <-chan *envelope.Envelope {
	return b.responses
}
