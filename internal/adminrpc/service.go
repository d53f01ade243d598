// Package adminrpc is the admin-introspection RPC cmd/quarkctl's
// status/members/ring/actors/reminders subcommands dial into (SPEC_FULL.md
// §C.2). It follows the same hand-rolled-gRPC-service pattern as
// internal/transport/grpcremote: a manually built grpc.ServiceDesc standing
// in for protoc-gen-go-grpc output, paired with a small gob encoding.Codec
// instead of a generated protobuf message set. Unlike grpcremote's single
// bidirectional stream, this package exposes one plain unary RPC, since an
// admin snapshot is a simple request/response, not a long-lived duplex.
package adminrpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName        = "quark.admin.Admin"
	snapshotMethod     = "Snapshot"
	snapshotFullMethod = "/" + serviceName + "/" + snapshotMethod
)

// snapshotHandler is implemented by Server; it is the HandlerType the
// hand-rolled ServiceDesc below dispatches unary Snapshot calls to.
type snapshotHandler interface {
	Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
}

// serviceDesc is the hand-rolled grpc.ServiceDesc for the Admin service.
// It uses Methods, not Streams, since Snapshot is a unary call.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*snapshotHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: snapshotMethod,
			Handler:    snapshotUnaryHandler,
		},
	},
	Streams:  nil,
	Metadata: "quark/admin/admin.proto",
}

func snapshotUnaryHandler(
	srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	req := new(SnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(snapshotHandler).Snapshot(ctx, req)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: snapshotFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(snapshotHandler).Snapshot(ctx, req.(*SnapshotRequest))
	}

	return interceptor(ctx, req, info, handler)
}

// registerAdminServer registers h against s under serviceDesc.
func registerAdminServer(s *grpc.Server, h snapshotHandler) {
	s.RegisterService(&serviceDesc, h)
}
