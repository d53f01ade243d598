package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestResponseShapeInvariant(t *testing.T) {
	req := NewRequest("Counter", "c1", "Increment", []byte{0x05})
	require.True(t, req.IsRequest())
	require.False(t, req.IsSuccessResponse())
	require.False(t, req.IsErrorResponse())
	require.Equal(t, req.MessageID, req.CorrelationID)

	ok := NewSuccessResponse(req, []byte{0x0c})
	require.False(t, ok.IsRequest())
	require.True(t, ok.IsSuccessResponse())
	require.False(t, ok.IsErrorResponse())
	require.Equal(t, req.MessageID, ok.CorrelationID)

	bad := NewKindErrorResponse(req, KindMethodNotFound, "no such method")
	require.False(t, bad.IsRequest())
	require.False(t, bad.IsSuccessResponse())
	require.True(t, bad.IsErrorResponse())
	require.Equal(t, req.MessageID, bad.CorrelationID)
}

func TestIsRequestIsResponseAreComplementary(t *testing.T) {
	req := NewRequest("Counter", "c1", "GetValue", nil)
	ok := NewSuccessResponse(req, []byte{0x01})
	bad := NewKindErrorResponse(req, KindTimeout, "deadline exceeded")

	for _, e := range []*Envelope{req, ok, bad} {
		require.Equal(t, !e.IsRequest(), e.IsResponse())
	}
}

func TestErrorKindRoundTrip(t *testing.T) {
	msg := Wrap(KindReentrancy, "actor (Order, o1) already in chain")
	parsed := ParseError(msg)
	require.Equal(t, KindReentrancy, parsed.Kind)
	require.Equal(t, "actor (Order, o1) already in chain", parsed.Detail)
}

func TestParseErrorUnknownPrefixFallsBackToWholeMessage(t *testing.T) {
	parsed := ParseError("some unstructured legacy error text")
	require.Empty(t, parsed.Kind)
	require.Equal(t, "some unstructured legacy error text", parsed.Detail)
}
