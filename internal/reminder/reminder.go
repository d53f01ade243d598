// Package reminder implements the durable scheduled wake-up machinery of
// spec §4.10: reminders are persisted in an external table (spec §6.3),
// owned by whichever silo currently holds the target actor's key in the
// hash ring, and fired at-least-once by a per-silo tick loop. Table is the
// "external collaborator" contract; Scheduler is the tick loop that scans,
// claims and fires due rows, grounded on internal/membership.Member's
// ticker-driven background-loop shape (spec §9: module-wide singletons are
// acceptable as process-wide state with an init->serve->shutdown
// lifecycle).
package reminder

import (
	"context"
	"errors"
	"time"
)

// Reminder is the persisted record from spec §3: a durable, possibly
// periodic, scheduled invocation of an actor's reminder callback.
type Reminder struct {
	OwnerActorType string
	OwnerActorID   string
	Name           string
	DueAt          time.Time

	// Period is zero for a one-shot reminder.
	Period time.Duration

	Payload []byte
}

// Key returns the reminder table's primary key, spec §3:
// "(owner_actor_id, name) is the primary key" -- owner_actor_type is
// included here since two different actor types could otherwise collide on
// a shared actor_id.
func (r Reminder) Key() (actorType, actorID, name string) {
	return r.OwnerActorType, r.OwnerActorID, r.Name
}

// ErrNotFound is returned by Delete/UpdateNext for an unknown reminder.
var ErrNotFound = errors.New("reminder: not found")

// Table is the external reminder table contract (spec §6.3): upsert,
// list_due, claim, delete, update_next. Claim must be a conditional update
// so two silos that briefly disagree about ring ownership during a
// rebalance cannot both fire the same row (spec §4.10's concurrency note).
type Table interface {
	// Upsert inserts or replaces r, keyed by (OwnerActorType,
	// OwnerActorID, Name).
	Upsert(ctx context.Context, r Reminder) error

	// ListDue returns every reminder whose DueAt is <= now, regardless
	// of current claim state -- callers filter by ring ownership and
	// then Claim before firing.
	ListDue(ctx context.Context, now time.Time) ([]Reminder, error)

	// Claim conditionally marks (actorType, actorID, name) as claimed by
	// silo bySilo at time now, succeeding only if the row is unclaimed
	// or its previous claim is older than a staleness window the
	// implementation enforces. Returns false if another silo holds the
	// claim.
	Claim(ctx context.Context, actorType, actorID, name, bySilo string, now time.Time) (bool, error)

	// Delete removes a one-shot reminder after it fires.
	Delete(ctx context.Context, actorType, actorID, name string) error

	// UpdateNext advances a periodic reminder's DueAt after it fires,
	// and releases its claim.
	UpdateNext(ctx context.Context, actorType, actorID, name string, nextDue time.Time) error
}
