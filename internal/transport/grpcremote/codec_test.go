package grpcremote

import (
	"testing"
	"time"

	"github.com/quarkrun/quark/internal/envelope"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCodecRoundTrip(t *testing.T) {
	req := envelope.NewRequest("greeter", "g-1", "SayHello", []byte("hi"))
	req.ChainID = "chain-123"
	req.Timestamp = time.Now().UTC()

	var codec envelopeCodec

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	got := new(envelope.Envelope)
	require.NoError(t, codec.Unmarshal(data, got))

	require.Equal(t, req.MessageID, got.MessageID)
	require.Equal(t, req.ActorType, got.ActorType)
	require.Equal(t, req.ActorID, got.ActorID)
	require.Equal(t, req.MethodName, got.MethodName)
	require.Equal(t, req.Payload, got.Payload)
	require.Equal(t, req.ChainID, got.ChainID)
}

func TestEnvelopeCodecRejectsWrongType(t *testing.T) {
	var codec envelopeCodec

	_, err := codec.Marshal("not an envelope")
	require.Error(t, err)

	err = codec.Unmarshal([]byte("x"), new(string))
	require.Error(t, err)
}
