package adminrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quarkrun/quark/internal/silo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(adminCodec{})
}

// remindersHorizon is how far into the future Snapshot looks when listing
// reminders: reminder.Table has no "list everything" method (only ListDue),
// so a far-future cutoff stands in for "due soon or already due" in the
// admin view, documented here rather than added as a new Table method no
// other caller needs.
const remindersHorizon = 365 * 24 * time.Hour

// Server answers the unary Snapshot RPC by reading straight off a
// silo.Coordinator plus its membership/reminder tables. It never owns
// those collaborators; cmd/quarkd constructs them once and hands them in.
type Server struct {
	coordinator *silo.Coordinator

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer creates a Server over coordinator.
func NewServer(coordinator *silo.Coordinator) *Server {
	return &Server{coordinator: coordinator}
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adminrpc: failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer()
	registerAdminServer(s.grpcServer, s)

	go func() {
		log.InfoS(context.Background(), "adminrpc server listening", "addr", addr)

		if err := s.grpcServer.Serve(lis); err != nil {
			log.WarnS(context.Background(), "adminrpc server exited", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Snapshot implements snapshotHandler: it gathers the cluster view
// cmd/quarkctl renders. Reads are best-effort -- a failure fetching one
// piece (e.g. the membership table) does not fail the whole snapshot, since
// partial admin visibility is more useful than none during an incident.
func (s *Server) Snapshot(ctx context.Context, _ *SnapshotRequest) (*SnapshotResponse, error) {
	resp := &SnapshotResponse{
		SiloID:          s.coordinator.SelfID(),
		ActivationCount: s.coordinator.ActivationCount(),
		Actors:          s.coordinator.Activations(),
		RemindersAsOf:   time.Now(),
	}

	if ring := s.coordinator.Ring().Ring(); ring != nil {
		resp.RingMembers = ring.Members()
	}

	if table := s.coordinator.MembershipTable(); table != nil {
		members, err := table.List(ctx)
		if err != nil {
			log.WarnS(ctx, "adminrpc: failed to list membership table", err)
		} else {
			resp.Members = members
		}
	}

	if table := s.coordinator.ReminderTable(); table != nil {
		due, err := table.ListDue(ctx, resp.RemindersAsOf.Add(remindersHorizon))
		if err != nil {
			log.WarnS(ctx, "adminrpc: failed to list reminders", err)
		} else {
			resp.Reminders = due
		}
	}

	return resp, nil
}

var _ snapshotHandler = (*Server)(nil)
