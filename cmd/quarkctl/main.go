// Command quarkctl is the admin CLI for a running quarkd silo: it dials
// internal/adminrpc's Snapshot RPC and renders the cluster view across
// status/members/ring/actors/reminders subcommands, following the
// teacher's cmd/substrate CLI shape (a cobra root plus one subcommand per
// view, a shared Client wrapper, and a --format switch for machine-
// readable output).
package main

import (
	"fmt"
	"os"

	"github.com/quarkrun/quark/cmd/quarkctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
