package commands

import (
	"github.com/spf13/cobra"
)

var (
	// adminAddr is the admin-introspection endpoint of the silo to query.
	adminAddr string

	// outputFormat controls output format (text, json, html).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "quarkctl",
	Short: "Admin CLI for a Quark silo",
	Long: `quarkctl queries a running quarkd silo's admin-introspection RPC and
renders its cluster view: membership, hash ring ownership, currently
activated actors, and pending reminders.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&adminAddr, "addr", "127.0.0.1:7947",
		"Admin-introspection gRPC address of the silo to query",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json, html (html only on status)",
	)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(ringCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(remindersCmd)
}
