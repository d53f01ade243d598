package grpcremote

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarkrun/quark/internal/envelope"
)

// genericStream is the subset of grpc.ClientStream and grpc.ServerStream
// this package needs; a duplexConn works identically on either side of the
// connection since the envelope stream is symmetric.
type genericStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Deliverer hands a received envelope to the local silo, satisfied by
// transport.Transport.Deliver.
type Deliverer interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}

// duplexConn drives one bidirectional envelope stream: a read loop that
// delivers every received envelope to the local silo, and a write loop that
// drains an outbound queue onto the wire. Used by both Client (dialing out)
// and Server (accepting inbound streams) since grpc.ClientStream and
// grpc.ServerStream are both satisfied by genericStream.
type duplexConn struct {
	stream    genericStream
	deliverer Deliverer

	out    chan *envelope.Envelope
	closed chan struct{}
	once   sync.Once
}

func newDuplexConn(stream genericStream, deliverer Deliverer) *duplexConn {
	return &duplexConn{
		stream:    stream,
		deliverer: deliverer,
		out:       make(chan *envelope.Envelope, 64),
		closed:    make(chan struct{}),
	}
}

// run blocks until the connection fails or is closed, driving both
// directions concurrently.
func (c *duplexConn) run() error {
	errCh := make(chan error, 2)

	go c.readLoop(errCh)
	go c.writeLoop(errCh)

	err := <-errCh
	c.close()

	return err
}

func (c *duplexConn) readLoop(errCh chan<- error) {
	for {
		env := new(envelope.Envelope)
		if err := c.stream.RecvMsg(env); err != nil {
			errCh <- err
			return
		}

		if err := c.deliverer.Deliver(c.stream.Context(), env); err != nil {
			log.WarnS(c.stream.Context(), "failed to deliver inbound envelope", err,
				"actor_type", env.ActorType, "actor_id", env.ActorID)
		}
	}
}

func (c *duplexConn) writeLoop(errCh chan<- error) {
	for {
		select {
		case env := <-c.out:
			if err := c.stream.SendMsg(env); err != nil {
				errCh <- err
				return
			}

		case <-c.stream.Context().Done():
			errCh <- c.stream.Context().Err()
			return

		case <-c.closed:
			return
		}
	}
}

// send enqueues env for transmission, blocking until the queue has room, ctx
// is done, or the connection is closed.
func (c *duplexConn) send(ctx context.Context, env *envelope.Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("grpcremote: connection closed")
	}
}

func (c *duplexConn) close() {
	c.once.Do(func() { close(c.closed) })
}
