package adminrpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// codecName is negotiated as the gRPC content-subtype for every admin RPC
// call, pinning both sides to gob the same way
// internal/transport/grpcremote pins envelope traffic to its own codec --
// this tree's established way of exercising google.golang.org/grpc without
// a generated protobuf message set (see DESIGN.md).
const codecName = "quark-admin"

// adminCodec implements encoding.Codec (google.golang.org/grpc/encoding)
// for *SnapshotRequest and *SnapshotResponse using encoding/gob.
type adminCodec struct{}

func (adminCodec) Name() string { return codecName }

func (adminCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("adminrpc: encode failed: %w", err)
	}

	return buf.Bytes(), nil
}

func (adminCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("adminrpc: decode failed: %w", err)
	}

	return nil
}
