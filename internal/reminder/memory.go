package reminder

import (
	"context"
	"sync"
	"time"
)

type row struct {
	Reminder
	claimedBy string
	claimedAt time.Time
}

func key(actorType, actorID, name string) string {
	return actorType + "/" + actorID + "/" + name
}

// ClaimTTL bounds how long a claim is honored before another silo may
// re-claim the row, guarding against a silo that claimed a reminder and
// then crashed before firing it.
const ClaimTTL = 30 * time.Second

// MemoryTable is an in-memory Table, used by tests and single-silo local
// development.
type MemoryTable struct {
	mu   sync.Mutex
	rows map[string]row
}

// NewMemoryTable creates an empty in-memory reminder table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{rows: make(map[string]row)}
}

// Upsert implements Table.
func (t *MemoryTable) Upsert(_ context.Context, r Reminder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, aid, name := r.Key()
	t.rows[key(at, aid, name)] = row{Reminder: r}

	return nil
}

// ListDue implements Table.
func (t *MemoryTable) ListDue(_ context.Context, now time.Time) ([]Reminder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Reminder
	for _, rw := range t.rows {
		if !rw.DueAt.After(now) {
			out = append(out, rw.Reminder)
		}
	}

	return out, nil
}

// Claim implements Table.
func (t *MemoryTable) Claim(_ context.Context, actorType, actorID, name,
	bySilo string, now time.Time,
) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(actorType, actorID, name)
	rw, ok := t.rows[k]
	if !ok {
		return false, nil
	}

	if rw.claimedBy != "" && rw.claimedBy != bySilo &&
		now.Sub(rw.claimedAt) < ClaimTTL {
		return false, nil
	}

	rw.claimedBy = bySilo
	rw.claimedAt = now
	t.rows[k] = rw

	return true, nil
}

// Delete implements Table.
func (t *MemoryTable) Delete(_ context.Context, actorType, actorID, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(actorType, actorID, name)
	if _, ok := t.rows[k]; !ok {
		return ErrNotFound
	}

	delete(t.rows, k)

	return nil
}

// UpdateNext implements Table.
func (t *MemoryTable) UpdateNext(_ context.Context, actorType, actorID, name string,
	nextDue time.Time,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(actorType, actorID, name)
	rw, ok := t.rows[k]
	if !ok {
		return ErrNotFound
	}

	rw.DueAt = nextDue
	rw.claimedBy = ""
	t.rows[k] = rw

	return nil
}
