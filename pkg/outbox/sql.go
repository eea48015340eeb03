package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/sqldb"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_records (
	event_id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	global_position BIGINT NOT NULL,
	payload TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	scheduled_at BIGINT NOT NULL,
	status TEXT NOT NULL,
	delivered_at BIGINT
);
CREATE TABLE IF NOT EXISTS outbox_checkpoint (
	id INTEGER PRIMARY KEY,
	position BIGINT NOT NULL
);
`

const (
	insertRecord = `INSERT INTO outbox_records (event_id, topic, stream_id, global_position, payload, correlation_id, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING') ON CONFLICT (event_id) DO NOTHING`
	advanceCheckpoint = `INSERT INTO outbox_checkpoint (id, position) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET position = excluded.position WHERE outbox_checkpoint.position < excluded.position`
	selectCheckpoint = `SELECT position FROM outbox_checkpoint WHERE id = 1`
	selectPending    = `SELECT event_id, topic, stream_id, global_position, payload, correlation_id, scheduled_at, status
		FROM outbox_records WHERE status = 'PENDING' ORDER BY global_position LIMIT $1`
	markDelivered = `UPDATE outbox_records SET status = 'DELIVERED', delivered_at = $1 WHERE event_id = $2`
)

// SQLStore is a Store on Postgres or SQLite.
type SQLStore struct {
	db    *sqldb.DB
	clock func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db. Call Migrate before first use.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// Migrate creates the outbox tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, outboxSchema); err != nil {
		return fmt.Errorf("outbox: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Enqueue(ctx context.Context, position uint64, records []Record) error {
	return sqldb.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, insertRecord,
				r.EventID, r.Topic, r.StreamID, int64(r.GlobalPosition), string(r.Payload),
				r.CorrelationID, r.ScheduledAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("outbox: insert %s: %w", r.EventID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, advanceCheckpoint, int64(position)); err != nil {
			return fmt.Errorf("outbox: checkpoint: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Checkpoint(ctx context.Context) (uint64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, selectCheckpoint).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("outbox: read checkpoint: %w", err)
	}
	return uint64(pos), nil
}

func (s *SQLStore) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, selectPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			pos       int64
			payload   string
			scheduled int64
		)
		if err := rows.Scan(&r.EventID, &r.Topic, &r.StreamID, &pos, &payload, &r.CorrelationID, &scheduled, &r.Status); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		r.GlobalPosition = uint64(pos)
		r.Payload = []byte(payload)
		r.ScheduledAt = time.Unix(0, scheduled).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkDelivered(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, markDelivered, s.clock().UnixNano(), eventID)
	if err != nil {
		return fmt.Errorf("outbox: mark delivered %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("outbox: record %s not found", eventID)
	}
	return nil
}
