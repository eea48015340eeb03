package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/sqldb"
)

const registerSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	scope_key TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	token TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	lease TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	reserved_at BIGINT NOT NULL,
	completed_at BIGINT
);
`

const (
	statusPending   = "PENDING"
	statusCompleted = "COMPLETED"
)

const (
	reserveInsert = `INSERT INTO idempotency_records (scope_key, operation, actor_id, token, fingerprint, lease, status, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7) ON CONFLICT (scope_key) DO NOTHING`
	reserveTakeover = `UPDATE idempotency_records SET lease = $1, reserved_at = $2
		WHERE scope_key = $3 AND status = 'PENDING' AND fingerprint = $4 AND reserved_at < $5`
	selectRecord   = `SELECT fingerprint, lease, status, result, reserved_at FROM idempotency_records WHERE scope_key = $1`
	completeRecord = `UPDATE idempotency_records SET status = 'COMPLETED', result = $1, completed_at = $2
		WHERE scope_key = $3 AND lease = $4 AND status = 'PENDING'`
	releaseRecord = `DELETE FROM idempotency_records WHERE scope_key = $1 AND lease = $2 AND status = 'PENDING'`
	purgeRecords  = `DELETE FROM idempotency_records WHERE status = 'COMPLETED' AND completed_at < $1`
)

// SQLRegister is a durable Register on Postgres or SQLite. Reservation is an
// INSERT ... ON CONFLICT DO NOTHING; the affected row count decides the winner.
type SQLRegister struct {
	*engine
	db *sqldb.DB
}

var _ Register = (*SQLRegister)(nil)

// NewSQLRegister wraps db. Call Migrate before first use.
func NewSQLRegister(db *sqldb.DB, opts Options) *SQLRegister {
	return &SQLRegister{engine: newEngine(&sqlBackend{db: db}, opts), db: db}
}

// Migrate creates the register table.
func (r *SQLRegister) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, registerSchema); err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// Purge deletes completed records older than the retention window.
func (r *SQLRegister) Purge(ctx context.Context) (int64, error) {
	if r.opts.Retention <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, purgeRecords, r.clock().Add(-r.opts.Retention).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return res.RowsAffected()
}

type sqlBackend struct {
	db *sqldb.DB
}

func (b *sqlBackend) reserve(ctx context.Context, key Key, fingerprint, lease string, now, staleBefore time.Time) (record, bool, error) {
	id := key.String()
	res, err := b.db.ExecContext(ctx, reserveInsert, id, key.Operation, key.ActorID, key.Token, fingerprint, lease, now.UnixNano())
	if err != nil {
		return record{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return record{}, false, err
	} else if n == 1 {
		return record{}, true, nil
	}

	res, err = b.db.ExecContext(ctx, reserveTakeover, lease, now.UnixNano(), id, fingerprint, staleBefore.UnixNano())
	if err != nil {
		return record{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return record{}, false, err
	} else if n == 1 {
		return record{}, true, nil
	}

	var (
		rec        record
		status     string
		result     sql.NullString
		reservedAt int64
	)
	err = b.db.QueryRowContext(ctx, selectRecord, id).Scan(&rec.Fingerprint, &rec.Lease, &status, &result, &reservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the read; next poll retries the insert.
		return record{Fingerprint: fingerprint}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	rec.Completed = status == statusCompleted
	rec.Result = []byte(result.String)
	rec.ReservedAt = time.Unix(0, reservedAt)
	return rec, false, nil
}

func (b *sqlBackend) complete(ctx context.Context, key Key, lease string, result []byte, now time.Time) error {
	res, err := b.db.ExecContext(ctx, completeRecord, string(result), now.UnixNano(), key.String(), lease)
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return requireOne(res)
}

func (b *sqlBackend) release(ctx context.Context, key Key, lease string) error {
	res, err := b.db.ExecContext(ctx, releaseRecord, key.String(), lease)
	if err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return requireOne(res)
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}
