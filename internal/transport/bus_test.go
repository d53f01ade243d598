package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/envelope"
	"github.com/quarkrun/quark/internal/transport"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeBusDualFilterPreventsEchoLoop is the regression test for spec
// §8 scenario S3: a response published onto the bus must reach only the
// Responses subscriber, never the Requests subscriber, or a client's own
// reply would be redelivered to the dispatcher and misinterpreted as a
// fresh call to itself.
func TestEnvelopeBusDualFilterPreventsEchoLoop(t *testing.T) {
	bus := transport.NewEnvelopeBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start(ctx)
	defer bus.Stop()

	req := envelope.NewRequest("greeter", "g-1", "SayHello", []byte("hi"))
	resp := envelope.NewSuccessResponse(req, []byte("hello"))

	require.NoError(t, bus.Publish(ctx, req))
	require.NoError(t, bus.Publish(ctx, resp))

	select {
	case got := <-bus.Requests():
		require.Equal(t, req.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}

	select {
	case got := <-bus.Responses():
		require.Equal(t, resp.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	// Nothing further should appear on either channel: the response never
	// leaked onto Requests, and the request never leaked onto Responses.
	select {
	case env := <-bus.Requests():
		t.Fatalf("unexpected extra request-channel delivery: %+v", env)
	case env := <-bus.Responses():
		t.Fatalf("unexpected extra response-channel delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnvelopeBusErrorResponseRoutesToResponses(t *testing.T) {
	bus := transport.NewEnvelopeBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start(ctx)
	defer bus.Stop()

	req := envelope.NewRequest("greeter", "g-1", "SayHello", []byte("hi"))
	errResp := envelope.NewKindErrorResponse(req, envelope.KindMethodNotFound, "no such method")

	require.NoError(t, bus.Publish(ctx, errResp))

	select {
	case got := <-bus.Responses():
		require.True(t, got.IsErrorResponse())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error response")
	}
}
