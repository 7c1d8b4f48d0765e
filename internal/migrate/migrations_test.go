package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"stateline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Driver: db.SQLite, Path: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if first != len(migrations) {
		t.Fatalf("first run applied %d, want %d", first, len(migrations))
	}
	second, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if second != 0 {
		t.Fatalf("second run applied %d, want 0", second)
	}
	var version int
	if err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Fatalf("schema version = %d", version)
	}
	for _, table := range []string{"states", "state_transitions", "teams", "events", "api_keys", "workspace_members"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}

func TestStatements(t *testing.T) {
	got := Statements("CREATE TABLE a(x INT);\n\n  CREATE INDEX b ON a(x);\n")
	if len(got) != 2 || got[1] != "CREATE INDEX b ON a(x)" {
		t.Fatalf("unexpected statements %#v", got)
	}
}
