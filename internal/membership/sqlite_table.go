package membership

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/quarkrun/quark/internal/store"
)

// SqliteTable is the sqlite-backed Table implementation wired into
// cmd/quarkd, built on the transaction-retry machinery in internal/store.
// Since sqlite has no native pub/sub, each subscriber polls the table on
// a short interval and is signalled when the rows change, so it also sees
// writes made by other processes sharing the database; writes made
// through this SqliteTable signal its subscribers immediately as well.
type SqliteTable struct {
	db *store.Store

	mu   sync.Mutex
	subs []chan struct{}

	pollInterval time.Duration
}

// NewSqliteTable wraps db as a membership Table.
func NewSqliteTable(db *store.Store) *SqliteTable {
	return &SqliteTable{db: db, pollInterval: time.Second}
}

func (t *SqliteTable) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Register implements Table.
func (t *SqliteTable) Register(ctx context.Context, silo Silo) error {
	if silo.LastHeartbeat.IsZero() {
		silo.LastHeartbeat = time.Now()
	}

	var inserted int64
	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		// Only a Dead row is replaced; any other existing row is left as is.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO silos (silo_id, endpoint, generation,
				status, last_heartbeat_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (silo_id) DO UPDATE SET endpoint = excluded.endpoint,
				generation = excluded.generation, status = excluded.status,
				last_heartbeat_at = excluded.last_heartbeat_at,
				updated_at = excluded.updated_at WHERE silos.status = 'Dead'`,
			silo.ID, silo.Endpoint, silo.Generation, string(silo.Status),
			silo.LastHeartbeat.UnixNano(), time.Now().UnixNano(),
		)
		if err != nil {
			return err
		}

		inserted, err = res.RowsAffected()
		return err
	})
	if err == nil && inserted == 0 {
		return ErrAlreadyRegistered
	}
	if err != nil {
		if store.IsUniqueConstraintViolation(store.MapSQLError(err)) {
			return ErrAlreadyRegistered
		}
		return err
	}

	t.notify()

	return nil
}

// SetStatus implements Table.
func (t *SqliteTable) SetStatus(ctx context.Context, siloID string, status Status) error {
	return t.update(ctx, siloID, `
		UPDATE silos SET status = ?, updated_at = ? WHERE silo_id = ?`,
		string(status), time.Now().UnixNano(), siloID)
}

// Heartbeat implements Table.
func (t *SqliteTable) Heartbeat(ctx context.Context, siloID string) error {
	now := time.Now()
	return t.update(ctx, siloID, `
		UPDATE silos SET last_heartbeat_at = ?, updated_at = ?
		WHERE silo_id = ?`,
		now.UnixNano(), now.UnixNano(), siloID)
}

func (t *SqliteTable) update(ctx context.Context, siloID, query string, args ...any) error {
	var affected int64

	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
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

	t.notify()

	return nil
}

// List implements Table.
func (t *SqliteTable) List(ctx context.Context) ([]Silo, error) {
	var out []Silo

	err := t.db.ExecTx(ctx, store.ReadTxOption(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT silo_id, endpoint, generation, status, last_heartbeat_at
			FROM silos`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s       Silo
				status  string
				lastHB  int64
			)
			if err := rows.Scan(&s.ID, &s.Endpoint, &s.Generation, &status, &lastHB); err != nil {
				return err
			}
			s.Status = Status(status)
			s.LastHeartbeat = time.Unix(0, lastHB)
			out = append(out, s)
		}

		return rows.Err()
	})

	return out, err
}

// Evict implements Table.
func (t *SqliteTable) Evict(ctx context.Context, siloID string) error {
	err := t.db.ExecTx(ctx, store.WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE silos SET status = ?, updated_at = ? WHERE silo_id = ?`,
			string(StatusDead), time.Now().UnixNano(), siloID)
		return err
	})
	if err != nil {
		return err
	}

	t.notify()

	return nil
}

// Subscribe implements Table. Since sqlite has no push notification
// primitive, this also kicks off a goroutine that polls List every
// pollInterval and fires the channel whenever the snapshot's content hash
// changes, so Subscribe still behaves like a genuine change feed to callers
// even though the underlying backend is pull-based.
func (t *SqliteTable) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	go t.pollLoop(ctx, ch)

	return ch
}

func (t *SqliteTable) pollLoop(ctx context.Context, ch chan struct{}) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var lastVersion string

	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			for i, s := range t.subs {
				if s == ch {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()

			return

		case <-ticker.C:
			silos, err := t.List(ctx)
			if err != nil {
				continue
			}

			version := fingerprint(silos)
			if version != lastVersion {
				lastVersion = version

				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

func fingerprint(silos []Silo) string {
	h := ""
	for _, s := range silos {
		h += s.ID + "|" + string(s.Status) + "|" + s.LastHeartbeat.String() + ";"
	}
	return h
}
