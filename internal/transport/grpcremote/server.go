package grpcremote

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quarkrun/quark/internal/envelope"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// siloIDHeader carries the connecting silo's own id so the accepting side
// can route replies back over the same stream (spec §4.4's peer-to-peer
// mesh has no separate directory service; each stream just announces who
// dialed it).
const siloIDHeader = "x-quark-silo-id"

// ServerConfig configures a Server, mirroring the teacher's gRPC
// ServerConfig keepalive fields.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g. "0.0.0.0:7946").
	ListenAddr string

	ServerPingTime               time.Duration
	ServerPingTimeout            time.Duration
	ClientPingMinWait            time.Duration
	ClientAllowPingWithoutStream bool
}

// DefaultServerConfig returns keepalive defaults tuned for a long-lived
// inter-silo mesh connection.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:                   "0.0.0.0:7946",
		ServerPingTime:               30 * time.Second,
		ServerPingTimeout:            10 * time.Second,
		ClientPingMinWait:            5 * time.Second,
		ClientAllowPingWithoutStream: true,
	}
}

// Server accepts inbound envelope streams from peer silos and implements
// transport.RemoteSender for the reverse direction: once a peer has dialed
// in, this silo can send it envelopes over that same stream without
// dialing back out.
type Server struct {
	cfg       ServerConfig
	deliverer Deliverer

	grpcServer *grpc.Server
	listener   net.Listener

	mu    sync.RWMutex
	peers map[string]*duplexConn

	quit    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewServer creates a Server that hands every received envelope to
// deliverer.
func NewServer(cfg ServerConfig, deliverer Deliverer) *Server {
	return &Server{
		cfg:       cfg,
		deliverer: deliverer,
		peers:     make(map[string]*duplexConn),
		quit:      make(chan struct{}),
	}
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("grpcremote: server already started")
	}

	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpcremote: failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = lis

	// No explicit codec option is needed server-side: the codec this
	// package registers via encoding.RegisterCodec is selected
	// automatically from the "application/grpc+quark-envelope"
	// content-subtype the client sends (see client.go's
	// CallContentSubtype option).
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.cfg.ServerPingTime,
			Timeout: s.cfg.ServerPingTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.cfg.ClientPingMinWait,
			PermitWithoutStream: s.cfg.ClientAllowPingWithoutStream,
		}),
	)

	registerEnvelopesServer(s.grpcServer, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.InfoS(context.Background(), "grpcremote server listening",
			"addr", s.cfg.ListenAddr)

		if err := s.grpcServer.Serve(lis); err != nil {
			select {
			case <-s.quit:
			default:
				log.ErrorS(context.Background(), "grpcremote server exited", err)
			}
		}
	}()

	s.started = true

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	close(s.quit)
	s.grpcServer.GracefulStop()
	s.wg.Wait()

	s.started = false

	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// handleStream implements streamHandler: it registers the peer's
// connection under its announced silo id, then drives the duplex until it
// fails or the peer disconnects.
func (s *Server) handleStream(_ any, stream grpc.ServerStream) error {
	peerID, _ := PeerSiloID(stream.Context())

	conn := newDuplexConn(stream, s.deliverer)

	s.mu.Lock()
	s.peers[peerID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.peers[peerID] == conn {
			delete(s.peers, peerID)
		}
		s.mu.Unlock()
	}()

	return conn.run()
}

// Send implements transport.RemoteSender for replies to a peer that
// dialed into this server: despite the RemoteSender signature naming it
// "endpoint", here it is the peer's silo id, since that's what the inbound
// stream was registered under. cmd/quarkd wires Client as the
// coordinator's RemoteSender for requests and Server as its ReplySender,
// which Transport uses for responses to requests that arrived inbound.
func (s *Server) Send(ctx context.Context, peerSiloID string, env *envelope.Envelope) error {
	s.mu.RLock()
	conn, ok := s.peers[peerSiloID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("grpcremote: no inbound connection from silo %q", peerSiloID)
	}

	return conn.send(ctx, env)
}

// PeerSiloID recovers the silo id a peer announced when dialing in, from
// the incoming metadata of a server-side stream context. It implements
// transport.OriginExtractor: internal/silo's Coordinator wires it in so a
// response to a remote-originated request can find its way back over the
// same connection the request arrived on, without the wire Envelope itself
// ever carrying a reply-to field (spec §3's ten fields are exhaustive).
// Called against a client-side (outbound) context, or any context with no
// such header, it returns ok=false.
func PeerSiloID(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}

	vals := md.Get(siloIDHeader)
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}

	return vals[0], true
}
