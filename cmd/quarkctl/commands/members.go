package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the silos registered in the cluster's membership table",
	RunE:  runMembers,
}

func runMembers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	snap, err := getSnapshot(ctx)
	if err != nil {
		return err
	}

	return renderOrJSON(snap.Members, func() error {
		fmt.Printf("%-20s %-22s %-10s %-10s %s\n", "SILO_ID", "ENDPOINT", "STATUS", "GEN", "LAST_HEARTBEAT")
		for _, m := range snap.Members {
			fmt.Printf("%-20s %-22s %-10s %-10d %s\n",
				m.ID, m.Endpoint, m.Status, m.Generation, m.LastHeartbeat.Format("15:04:05"))
		}

		return nil
	})
}
