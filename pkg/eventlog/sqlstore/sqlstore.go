// Package sqlstore is the relational eventlog.Store for Postgres and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/sqldb"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	global_position BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	stream_type TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	causation_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	UNIQUE (stream_id, sequence)
);
`

const liteSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	stream_type TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	causation_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	UNIQUE (stream_id, sequence)
);
`

// appendLockKey is the advisory lock that orders Postgres appends so global
// positions become visible in commit order.
const appendLockKey = 0x6c656467

const (
	lockQuery    = `SELECT pg_advisory_xact_lock($1)`
	versionQuery = `SELECT COALESCE(MAX(sequence), 0) FROM ledger_events WHERE stream_id = $1`
	insertQuery  = `INSERT INTO ledger_events (event_id, stream_id, stream_type, sequence, event_type, schema_version, payload, occurred_at, correlation_id, causation_id, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING global_position`
	selectColumns = `SELECT global_position, event_id, stream_id, stream_type, sequence, event_type, schema_version, payload, occurred_at, correlation_id, causation_id, actor_id FROM ledger_events`
	streamQuery   = selectColumns + ` WHERE stream_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3`
	allQuery      = selectColumns + ` WHERE global_position > $1 ORDER BY global_position LIMIT $2`
	headQuery     = `SELECT COALESCE(MAX(global_position), 0) FROM ledger_events`
)

// Store is an eventlog.Store over database/sql.
type Store struct {
	db    *sqldb.DB
	clock func() time.Time
}

var _ eventlog.Store = (*Store)(nil)

// New wraps db. Call Migrate before first use.
func New(db *sqldb.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the commit clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Migrate creates the events table.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := pgSchema
	if s.db.Dialect == sqldb.SQLite {
		ddl = liteSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, appends ...eventlog.StreamAppend) ([]eventlog.Event, error) {
	if err := eventlog.ValidateAppends(appends); err != nil {
		return nil, err
	}

	var committed []eventlog.Event
	err := sqldb.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		committed = committed[:0]
		if s.db.Dialect == sqldb.Postgres {
			if _, err := tx.ExecContext(ctx, lockQuery, appendLockKey); err != nil {
				return fmt.Errorf("sqlstore: append lock: %w", err)
			}
		}

		for _, a := range appends {
			var current uint64
			if err := tx.QueryRowContext(ctx, versionQuery, a.StreamID).Scan(&current); err != nil {
				return fmt.Errorf("sqlstore: stream version %s: %w", a.StreamID, err)
			}
			if current != a.ExpectedVersion {
				return eventlog.Conflict(a.StreamID, a.ExpectedVersion, current)
			}
		}

		now := s.clock()
		for _, a := range appends {
			a = eventlog.Prepare(a, now)
			for i, e := range a.Events {
				e.Sequence = a.ExpectedVersion + uint64(i) + 1
				err := tx.QueryRowContext(ctx, insertQuery,
					e.EventID, e.StreamID, e.StreamType, e.Sequence, e.Type, e.SchemaVersion,
					string(e.Payload), e.OccurredAt.Format(time.RFC3339Nano),
					e.CorrelationID, e.CausationID, e.ActorID,
				).Scan(&e.GlobalPosition)
				if err != nil {
					if sqldb.IsUniqueViolation(err) {
						return eventlog.Conflict(a.StreamID, a.ExpectedVersion, e.Sequence)
					}
					return fmt.Errorf("sqlstore: insert %s#%d: %w", e.StreamID, e.Sequence, err)
				}
				committed = append(committed, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Store) ReadStreamFrom(ctx context.Context, streamID string, afterSeq uint64) eventlog.Iterator {
	return eventlog.Paged(ctx, s.page, streamID, afterSeq, eventlog.DefaultPageSize)
}

func (s *Store) page(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, streamQuery, streamID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read stream %s: %w", streamID, err)
	}
	return scanEvents(rows)
}

func (s *Store) ReadAll(ctx context.Context, after uint64, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = eventlog.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, allQuery, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read all: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) Head(ctx context.Context) (uint64, error) {
	var head uint64
	if err := s.db.QueryRowContext(ctx, headQuery).Scan(&head); err != nil {
		return 0, fmt.Errorf("sqlstore: head: %w", err)
	}
	return head, nil
}

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	defer func() { _ = rows.Close() }()

	var out []eventlog.Event
	for rows.Next() {
		var (
			e          eventlog.Event
			payload    string
			occurredAt string
		)
		if err := rows.Scan(&e.GlobalPosition, &e.EventID, &e.StreamID, &e.StreamType, &e.Sequence, &e.Type,
			&e.SchemaVersion, &payload, &occurredAt, &e.CorrelationID, &e.CausationID, &e.ActorID); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: event %s occurred_at: %w", e.EventID, err)
		}
		e.OccurredAt = t
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
