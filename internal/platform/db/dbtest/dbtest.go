// Package dbtest gives repository tests a freshly migrated Postgres schema.
// Tests are skipped unless TEST_DATABASE_URL points at a server.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/db"
)

const EnvURL = "TEST_DATABASE_URL"

// MigrationsDir locates the repository's migrations directory relative to
// this file.
func MigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	// internal/platform/db/dbtest -> repository root
	return filepath.Join(filepath.Dir(filename), "..", "..", "..", "..", "migrations")
}

// Open creates a uniquely named schema, applies every migration to it and
// returns a pool whose connections search that schema first. The schema is
// dropped when the test ends.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set, skipping Postgres test", EnvURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "test_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")

	admin, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	migrator := db.NewMigrator(admin, MigrationsDir(), zerolog.Nop())
	if _, err := migrator.Up(ctx, schema); err != nil {
		admin.Close()
		t.Fatalf("migrate schema %s: %v", schema, err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		admin.Close()
		t.Fatalf("parse %s: %v", EnvURL, err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema + ", public"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		admin.Close()
		t.Fatalf("connect to schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		pool.Close()
		drop := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{schema}.Sanitize())
		if _, err := admin.Exec(context.Background(), drop); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return pool
}
