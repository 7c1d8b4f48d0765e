package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT id FROM states WHERE project_id=? AND name=? AND color<>'?'"
	require.Equal(t, q, Rebind(SQLite, q))
	require.Equal(t, "SELECT id FROM states WHERE project_id=$1 AND name=$2 AND color<>'?'", Rebind(Postgres, q))
}

func TestSQLiteUniqueColumns(t *testing.T) {
	msg := "constraint failed: UNIQUE constraint failed: states.project_id, states.name (2067)"
	require.Equal(t, []string{"project_id", "name"}, sqliteUniqueColumns(msg))
	require.Nil(t, sqliteUniqueColumns("disk I/O error"))
}

func TestOpenSQLiteReportsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, Config{Driver: SQLite, Path: filepath.Join(t.TempDir(), "nested", "test.db")})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `CREATE TABLE things(id TEXT PRIMARY KEY, scope TEXT NOT NULL, name TEXT NOT NULL, deleted_at TEXT)`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `CREATE UNIQUE INDEX things_scope_name ON things(scope, name) WHERE deleted_at IS NULL`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO things(id, scope, name) VALUES ('a', 's', 'x')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO things(id, scope, name) VALUES ('b', 's', 'x')`)
	v, ok := AsUniqueViolation(err)
	require.True(t, ok, "expected unique violation, got %v", err)
	require.Equal(t, []string{"scope", "name"}, v.Columns)
	require.False(t, IsUnavailable(err))

	_, err = conn.ExecContext(ctx, `UPDATE things SET deleted_at='now' WHERE id='a'`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO things(id, scope, name) VALUES ('b', 's', 'x')`)
	require.NoError(t, err)
}

func TestPostgresErrorClassification(t *testing.T) {
	v, ok := AsUniqueViolation(&pgconn.PgError{Code: "23505", ConstraintName: "states_project_name"})
	require.True(t, ok)
	require.Equal(t, "states_project_name", v.Constraint)

	_, ok = AsUniqueViolation(&pgconn.PgError{Code: "23503"})
	require.False(t, ok)

	require.True(t, IsUnavailable(&pgconn.PgError{Code: "08006"}))
	require.True(t, IsUnavailable(&pgconn.PgError{Code: "57P01"}))
	require.False(t, IsUnavailable(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUnavailable(errors.New("boom")))
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{Driver: "mysql", Path: "x"}.Validate())
	require.Error(t, Config{Driver: Postgres}.Validate())
	require.Error(t, Config{Driver: SQLite, Path: "x", MaxOpenConns: 1, MaxIdleConns: 2}.Validate())
	require.NoError(t, Config{Driver: SQLite, Path: "x"}.Validate())
}
