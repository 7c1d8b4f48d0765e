package db

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// UniqueViolation describes a failed unique constraint. Postgres reports the
// constraint name, SQLite reports the indexed columns; either may be empty.
type UniqueViolation struct {
	Constraint string
	Columns    []string
}

// AsUniqueViolation reports whether err is a unique constraint failure.
func AsUniqueViolation(err error) (UniqueViolation, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != "23505" {
			return UniqueViolation{}, false
		}
		return UniqueViolation{Constraint: pgErr.ConstraintName}, true
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return UniqueViolation{Columns: sqliteUniqueColumns(sqErr.Error())}, true
		}
	}
	return UniqueViolation{}, false
}

func IsUniqueViolation(err error) bool {
	_, ok := AsUniqueViolation(err)
	return ok
}

// sqliteUniqueColumns parses "UNIQUE constraint failed: t.a, t.b".
func sqliteUniqueColumns(msg string) []string {
	const marker = "constraint failed: "
	idx := strings.LastIndex(msg, marker)
	if idx < 0 {
		return nil
	}
	rest := msg[idx+len(marker):]
	if end := strings.Index(rest, " ("); end >= 0 {
		rest = rest[:end]
	}
	var cols []string
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if dot := strings.LastIndex(part, "."); dot >= 0 {
			part = part[dot+1:]
		}
		if part != "" {
			cols = append(cols, part)
		}
	}
	return cols
}

// IsUnavailable reports errors that mean the backing store cannot be reached
// or cannot take the lock, as opposed to errors caused by the statement.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03" ||
			pgErr.Code == "53300"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
