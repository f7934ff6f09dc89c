// Package testutil holds helpers for tests that need a live Postgres or
// Redis. Each helper skips the test when its URL variable is unset.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"

	"github.com/TOOL2U/BookMate-sub002/migrations"
)

// PGTest connects to POSTGRES_URL and brings the schema up to date. Tables
// are truncated when the test finishes.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		truncate(ctx, db)
		_ = db.Close()
	})
	return db
}

// truncate clears every table in the public schema except goose's version
// table.
func truncate(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	var names []string
	for rows.Next() {
		var n string
		if rows.Scan(&n) == nil {
			names = append(names, `"`+n+`"`)
		}
	}
	_ = rows.Close()

	if len(names) == 0 {
		return
	}
	// Names come from the catalog.
	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(names, ", ")+" CASCADE") // #nosec G202
}
