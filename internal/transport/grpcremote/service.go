package grpcremote

import (
	"google.golang.org/grpc"
)

// serviceName and streamMethodName identify the single RPC this package
// exposes: a bidirectional stream of envelopes in both directions, used for
// both request and response traffic between two silos. One stream per
// silo-pair connection is enough because Envelope.CorrelationID, not the
// gRPC call boundary, is what correlates a response with its request (spec
// §3).
const (
	serviceName      = "quark.transport.Envelopes"
	streamMethodName = "Stream"
)

// streamHandler is implemented by Server; it owns the full lifetime of one
// peer connection's bidirectional stream.
type streamHandler interface {
	handleStream(srv any, stream grpc.ServerStream) error
}

// serviceDesc is the hand-rolled grpc.ServiceDesc for the Envelopes
// service, standing in for what protoc-gen-go-grpc would otherwise
// generate from a .proto file.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamHandler)(nil),
	Methods:     nil,
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethodName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(streamHandler).handleStream(srv, stream)
			},
		},
	},
	Metadata: "quark/transport/envelopes.proto",
}

// registerEnvelopesServer registers h against s under serviceDesc.
func registerEnvelopesServer(s *grpc.Server, h streamHandler) {
	s.RegisterService(&serviceDesc, h)
}
