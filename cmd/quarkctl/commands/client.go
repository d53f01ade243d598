package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarkrun/quark/internal/adminrpc"
)

// getSnapshot dials adminAddr and fetches one cluster snapshot, closing the
// connection before returning -- quarkctl is a short-lived CLI invocation,
// not a long-running peer, so there is no connection to keep around between
// subcommand runs.
func getSnapshot(ctx context.Context) (*adminrpc.SnapshotResponse, error) {
	client, err := adminrpc.Dial(ctx, adminrpc.DefaultClientConfig(), adminAddr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Snapshot(ctx)
}

// outputJSON marshals v as indented JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// renderOrJSON prints v via render unless outputFormat requests json, in
// which case it prints raw as JSON instead.
func renderOrJSON(raw any, render func() error) error {
	switch outputFormat {
	case "json":
		return outputJSON(raw)
	case "html":
		return fmt.Errorf("quarkctl: --format=html is only supported by status")
	default:
		return render()
	}
}
