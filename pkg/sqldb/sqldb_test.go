package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.String())

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("connection reset")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestSQLiteUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "u.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, `CREATE TABLE k (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO k (id) VALUES ($1)`, "a")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO k (id) VALUES ($1)`, "a")
	assert.True(t, IsUniqueViolation(err), "got %v", err)
}

func TestInTxRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = InTx(context.Background(), db, func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
