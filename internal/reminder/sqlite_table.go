package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/quarkrun/quark/internal/store"
)

// SqliteTable is the sqlite-backed Table implementation wired into
// cmd/quarkd, built on the reminders table in
// internal/store/migrations/000001_init.up.sql and the transaction-retry
// machinery in internal/store, mirroring internal/membership.SqliteTable.
type SqliteTable struct {
	db *store.Store
}

// NewSqliteTable wraps db as a reminder Table.
func NewSqliteTable(db *store.Store) *SqliteTable {
	return &SqliteTable{db: db}
}

// Upsert implements Table.
func (t *SqliteTable) Upsert(ctx context.Context, r Reminder) error {
	var periodSeconds sql.NullInt64
	if r.Period > 0 {
		periodSeconds = sql.NullInt64{Int64: int64(r.Period / time.Second), Valid: true}
	}

	return t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reminders (owner_actor_type, owner_actor_id, name,
				due_at, period_seconds, payload, claimed_by, claimed_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
			ON CONFLICT (owner_actor_type, owner_actor_id, name) DO UPDATE SET
				due_at = excluded.due_at,
				period_seconds = excluded.period_seconds,
				payload = excluded.payload,
				claimed_by = NULL,
				claimed_at = NULL`,
			r.OwnerActorType, r.OwnerActorID, r.Name,
			r.DueAt.UnixNano(), periodSeconds, r.Payload,
		)
		return err
	})
}

// ListDue implements Table.
func (t *SqliteTable) ListDue(ctx context.Context, now time.Time) ([]Reminder, error) {
	var out []Reminder

	err := t.db.ExecTx(ctx, store.ReadTxOption(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT owner_actor_type, owner_actor_id, name, due_at,
				period_seconds, payload
			FROM reminders
			WHERE due_at <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r             Reminder
				dueAt         int64
				periodSeconds sql.NullInt64
			)
			if err := rows.Scan(&r.OwnerActorType, &r.OwnerActorID, &r.Name,
				&dueAt, &periodSeconds, &r.Payload); err != nil {
				return err
			}

			r.DueAt = time.Unix(0, dueAt)
			if periodSeconds.Valid {
				r.Period = time.Duration(periodSeconds.Int64) * time.Second
			}

			out = append(out, r)
		}

		return rows.Err()
	})

	return out, err
}

// Claim implements Table. The claim is a conditional UPDATE so two silos
// that briefly disagree about ring ownership during a rebalance cannot both
// win it; a claim older than ClaimTTL is treated as abandoned and may be
// re-claimed by a different silo.
func (t *SqliteTable) Claim(ctx context.Context, actorType, actorID, name,
	bySilo string, now time.Time,
) (bool, error) {

	var claimed bool

	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		staleCutoff := now.Add(-ClaimTTL).UnixNano()

		res, err := tx.ExecContext(ctx, `
			UPDATE reminders SET claimed_by = ?, claimed_at = ?
			WHERE owner_actor_type = ? AND owner_actor_id = ? AND name = ?
				AND (claimed_by IS NULL OR claimed_by = ? OR claimed_at < ?)`,
			bySilo, now.UnixNano(),
			actorType, actorID, name,
			bySilo, staleCutoff,
		)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		claimed = affected > 0

		return nil
	})

	return claimed, err
}

// Delete implements Table.
func (t *SqliteTable) Delete(ctx context.Context, actorType, actorID, name string) error {
	var affected int64

	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM reminders
			WHERE owner_actor_type = ? AND owner_actor_id = ? AND name = ?`,
			actorType, actorID, name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateNext implements Table.
func (t *SqliteTable) UpdateNext(ctx context.Context, actorType, actorID, name string,
	nextDue time.Time,
) error {

	var affected int64

	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reminders SET due_at = ?, claimed_by = NULL, claimed_at = NULL
			WHERE owner_actor_type = ? AND owner_actor_id = ? AND name = ?`,
			nextDue.UnixNano(), actorType, actorID, name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
