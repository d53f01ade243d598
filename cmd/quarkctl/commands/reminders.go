package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "List reminders due at or before the snapshot cutoff",
	RunE:  runReminders,
}

func runReminders(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	snap, err := getSnapshot(ctx)
	if err != nil {
		return err
	}

	return renderOrJSON(snap.Reminders, func() error {
		fmt.Printf("as of %s\n\n", snap.RemindersAsOf.Format("2006-01-02 15:04:05"))
		fmt.Printf("%-24s %-20s %-20s %-20s %s\n", "ACTOR_TYPE", "ACTOR_ID", "NAME", "DUE_AT", "PERIOD")
		for _, r := range snap.Reminders {
			period := "one-shot"
			if r.Period > 0 {
				period = r.Period.String()
			}

			fmt.Printf("%-24s %-20s %-20s %-20s %s\n",
				r.OwnerActorType, r.OwnerActorID, r.Name,
				r.DueAt.Format("2006-01-02 15:04:05"), period)
		}

		return nil
	})
}
