package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "postgres"
)

// DefaultPath is where the embedded database lives relative to the working directory.
const DefaultPath = ".stateline/stateline.db"

type Config struct {
	Driver          Driver
	Path            string
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) Validate() error {
	switch c.Driver {
	case SQLite:
		if c.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case Postgres:
		if c.URL == "" {
			return errors.New("database url is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.MaxOpenConns < 0 {
		return errors.New("max_open_conns must be >= 0")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max_idle_conns must be >= 0")
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns must be <= max_open_conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("connection lifetimes must be >= 0")
	}
	return nil
}

// DB is a connection pool that knows which placeholder syntax its driver speaks.
type DB struct {
	*sql.DB
	Driver Driver
}

// Open opens and pings the configured database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = SQLite
	}
	if cfg.Driver == SQLite && cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		conn *sql.DB
		err  error
	)
	switch cfg.Driver {
	case SQLite:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		conn, err = sql.Open("sqlite", sqliteDSN(cfg.Path))
	case Postgres:
		conn, err = sql.Open("pgx", cfg.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{DB: conn, Driver: cfg.Driver}, nil
}

// Writers take the reserved lock at BEGIN so concurrent transactions queue on
// busy_timeout instead of failing on upgrade.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
}

// Rebind rewrites ? placeholders into the driver's native form.
func (d *DB) Rebind(query string) string {
	return Rebind(d.Driver, query)
}

func Rebind(driver Driver, query string) string {
	if driver != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
