package adminrpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// DialTimeout bounds the single connection attempt Dial makes.
	DialTimeout time.Duration
}

// DefaultClientConfig returns dialing defaults for cmd/quarkctl.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{DialTimeout: 5 * time.Second}
}

// Client is a thin wrapper cmd/quarkctl's subcommands share, dialing a
// single silo's admin endpoint and issuing the unary Snapshot RPC against
// it over one connection. Unlike grpcremote.Client it keeps no per-peer
// connection cache -- an admin CLI invocation is a single short-lived
// process, not a long-running peer.
type Client struct {
	cfg  ClientConfig
	conn *grpc.ClientConn
}

// Dial connects to a silo's admin endpoint.
func Dial(ctx context.Context, cfg ClientConfig, endpoint string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("adminrpc: dial %s: %w", endpoint, err)
	}

	return &Client{cfg: cfg, conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Snapshot issues the Snapshot RPC and returns the cluster view it reports.
func (c *Client) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	resp := new(SnapshotResponse)

	err := c.conn.Invoke(ctx, snapshotFullMethod, new(SnapshotRequest), resp,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("adminrpc: Snapshot RPC failed: %w", err)
	}

	return resp, nil
}
