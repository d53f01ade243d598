package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var actorsCmd = &cobra.Command{
	Use:   "actors",
	Short: "List actors currently activated on the queried silo",
	RunE:  runActors,
}

func runActors(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	snap, err := getSnapshot(ctx)
	if err != nil {
		return err
	}

	return renderOrJSON(snap.Actors, func() error {
		fmt.Printf("silo=%s activation_count=%d\n\n", snap.SiloID, snap.ActivationCount)
		fmt.Printf("%-24s %-20s %-12s %s\n", "ACTOR_TYPE", "ACTOR_ID", "STATE", "POISONED")
		for _, a := range snap.Actors {
			fmt.Printf("%-24s %-20s %-12s %v\n", a.ActorType, a.ActorID, a.State, a.Poisoned)
		}

		return nil
	})
}
