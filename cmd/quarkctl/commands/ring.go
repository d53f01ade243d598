package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var ringCmd = &cobra.Command{
	Use:   "ring",
	Short: "Show which silos currently hold hash ring slots",
	RunE:  runRing,
}

func runRing(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	snap, err := getSnapshot(ctx)
	if err != nil {
		return err
	}

	return renderOrJSON(snap.RingMembers, func() error {
		if len(snap.RingMembers) == 0 {
			fmt.Println("(ring is empty)")
			return nil
		}

		for _, id := range snap.RingMembers {
			fmt.Println(id)
		}

		return nil
	})
}
