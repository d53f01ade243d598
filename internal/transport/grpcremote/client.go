package grpcremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarkrun/quark/internal/envelope"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// SelfSiloID is announced to every peer this client dials, via the
	// siloIDHeader metadata key, so the peer can route replies back.
	SelfSiloID string

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// MaxBackoff is carried in the config but not read by Client, which
	// re-dials on the next Send without any backoff delay.
	MaxBackoff time.Duration
}

// DefaultClientConfig returns keepalive and dial defaults, with a keepalive
// time matching DefaultServerConfig's ping cadence.
func DefaultClientConfig(selfSiloID string) ClientConfig {
	return ClientConfig{
		SelfSiloID:       selfSiloID,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		DialTimeout:      5 * time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// Client dials and maintains one persistent bidirectional stream per peer
// endpoint, re-dialing on the next Send after a connection fails, and
// implements transport.RemoteSender.
type Client struct {
	cfg       ClientConfig
	deliverer Deliverer

	mu    sync.Mutex
	peers map[string]*clientPeer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientPeer struct {
	conn   *grpc.ClientConn
	duplex *duplexConn
}

// NewClient creates a Client that hands every received envelope to
// deliverer.
func NewClient(cfg ClientConfig, deliverer Deliverer) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:       cfg,
		deliverer: deliverer,
		peers:     make(map[string]*clientPeer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close tears down every peer connection.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.peers {
		p.conn.Close()
	}
	c.peers = make(map[string]*clientPeer)
}

// Send implements transport.RemoteSender: it lazily dials endpoint if no
// connection exists yet, then enqueues env onto that connection's duplex.
func (c *Client) Send(ctx context.Context, endpoint string, env *envelope.Envelope) error {
	peer, err := c.peerFor(endpoint)
	if err != nil {
		return err
	}

	return peer.duplex.send(ctx, env)
}

func (c *Client) peerFor(endpoint string) (*clientPeer, error) {
	c.mu.Lock()
	peer, ok := c.peers[endpoint]
	c.mu.Unlock()

	if ok {
		return peer, nil
	}

	return c.dial(endpoint)
}

func (c *Client) dial(endpoint string) (*clientPeer, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.KeepaliveTime,
			Timeout:             c.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcremote: dial %s: %w", endpoint, err)
	}

	streamCtx := metadata.AppendToOutgoingContext(c.ctx, siloIDHeader, c.cfg.SelfSiloID)

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0],
		fmt.Sprintf("/%s/%s", serviceName, streamMethodName))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("grpcremote: open stream to %s: %w", endpoint, err)
	}

	duplex := newDuplexConn(stream, c.deliverer)
	peer := &clientPeer{conn: conn, duplex: duplex}

	c.mu.Lock()
	c.peers[endpoint] = peer
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(endpoint, peer)

	return peer, nil
}

// watch runs the duplex connection to completion, then drops it from the
// cache, so the next Send for this endpoint dials afresh -- the
// reconnect-on-demand approach avoids a separate
// keep-dialing loop for peers that may never be addressed again (e.g. a
// silo that has since left the cluster).
func (c *Client) watch(endpoint string, peer *clientPeer) {
	defer c.wg.Done()

	err := peer.duplex.run()

	c.mu.Lock()
	if c.peers[endpoint] == peer {
		delete(c.peers, endpoint)
	}
	c.mu.Unlock()

	peer.conn.Close()

	if err != nil {
		log.WarnS(c.ctx, "grpcremote connection to peer ended", err, "endpoint", endpoint)
	}
}
