package adminrpc

import (
	"time"

	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/reminder"
	"github.com/quarkrun/quark/internal/silo"
)

// SnapshotRequest carries no fields today; it exists so the wire shape can
// grow a filter (e.g. a specific actor type) without changing the RPC's
// method signature.
type SnapshotRequest struct{}

// SnapshotResponse is the full point-in-time cluster view cmd/quarkctl
// renders across its status/members/ring/actors/reminders subcommands.
type SnapshotResponse struct {
	SiloID          string
	ActivationCount int

	// RingMembers is the set of silo ids currently holding ring slots,
	// from hashring.Ring.Members via silo.Coordinator.Ring().
	RingMembers []string

	// Members is every row of the shared membership table.
	Members []membership.Silo

	// Actors is a stable-fields view of every currently activated
	// instance on this silo.
	Actors []silo.ActivationSnapshot

	// Reminders lists reminders due at or before the cutoff the server
	// used when building this snapshot (see Server.Snapshot).
	Reminders     []reminder.Reminder
	RemindersAsOf time.Time
}
