// Package outbox implements the transactional outbox: state-mutating
// operations insert one row per domain event in the same transaction as
// their primary write, and an asynchronous drainer replays undelivered rows
// to subscribed policies in insertion order.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/store"
)

// EnsureSchema creates the outbox table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_name TEXT NOT NULL,
  event_payload BLOB NOT NULL,
  relayed INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_unrelayed ON outbox(relayed, id);
`
	_, err := db.Exec(schema)
	return err
}

// Emit inserts one outbox row per event on the supplied handle. Pass the
// transaction of the business write so event emission commits or rolls back
// with it.
func Emit(ctx context.Context, tx store.DBTX, events ...domain.Event) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
INSERT INTO outbox (event_name, event_payload, relayed, created_at, updated_at)
VALUES (?, ?, 0, ?, ?)`,
			string(ev.Name), []byte(ev.Payload), ev.CreatedAt.UTC(), ev.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert outbox row %s: %w", ev.Name, err)
		}
	}
	return nil
}

// Drainer replays undelivered outbox rows through the event dispatcher.
// Delivery is at-least-once: a row is marked relayed only after every
// subscribed policy has handled it, so policies must be idempotent with
// respect to the row id.
type Drainer struct {
	db       *sql.DB
	log      zerolog.Logger
	policies map[domain.EventName][]dispatch.EventHandler
}

func NewDrainer(db *sql.DB, log zerolog.Logger) *Drainer {
	return &Drainer{
		db:       db,
		log:      log.With().Str("component", "outbox").Logger(),
		policies: make(map[domain.EventName][]dispatch.EventHandler),
	}
}

// Subscribe registers a policy for an event name. Registration happens at
// startup; Subscribe is not safe to call concurrently with Drain.
func (d *Drainer) Subscribe(name domain.EventName, h dispatch.EventHandler) {
	d.policies[name] = append(d.policies[name], h)
}

// Drain delivers undelivered rows in insertion order. A non-zero checkpoint
// restricts the pass to rows created at or after it, supporting incremental
// replay. The drain stops at the first failing row so ordering is preserved;
// rerunning resumes from the rows still unrelayed.
func (d *Drainer) Drain(ctx context.Context, checkpoint time.Time) (int, error) {
	query := `
SELECT id, event_name, event_payload FROM outbox
WHERE relayed = 0 ORDER BY id ASC`
	args := []any{}
	if !checkpoint.IsZero() {
		query = `
SELECT id, event_name, event_payload FROM outbox
WHERE relayed = 0 AND created_at >= ? ORDER BY id ASC`
		args = append(args, checkpoint.UTC())
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	type row struct {
		id      int64
		name    domain.EventName
		payload []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		var name string
		if err := rows.Scan(&r.id, &name, &r.payload); err != nil {
			rows.Close()
			return 0, err
		}
		r.name = domain.EventName(name)
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, r := range pending {
		if err := d.deliver(ctx, r.id, r.name, r.payload); err != nil {
			d.log.Error().Err(err).
				Int64("outbox_id", r.id).
				Str("event_name", string(r.name)).
				Msg("drain stopped at failing row")
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Drainer) deliver(ctx context.Context, id int64, name domain.EventName, payload []byte) error {
	handlers := d.policies[name]
	if len(handlers) == 0 {
		d.log.Debug().Str("event_name", string(name)).Msg("no policy subscribed, marking relayed")
		return d.markRelayed(ctx, id)
	}
	rowID := strconv.FormatInt(id, 10)
	for _, h := range handlers {
		if _, err := dispatch.HandleEvent(ctx, dispatch.EventHandlers{name: h}, rowID, name, payload); err != nil {
			return err
		}
	}
	return d.markRelayed(ctx, id)
}

func (d *Drainer) markRelayed(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE outbox SET relayed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}
