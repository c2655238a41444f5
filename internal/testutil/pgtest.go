// Package testutil provides shared Postgres test infrastructure for
// internal/money/* and internal/server integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	sharedDSN string
	initErr   error
)

// PGTest opens a connection to the shared, migrated test database and
// returns it plus a cleanup function that truncates every application
// table. Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database is acquired once per test binary: POSTGRES_URL is used if
// set (for CI environments that provision their own instance), otherwise a
// Postgres container is started via testcontainers-go and left running for
// the life of the process — its Ryuk reaper cleans it up on exit. If
// neither is available the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := acquire(t)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	cleanup := func() {
		truncateAll(context.Background(), db)
		_ = db.Close()
	}
	return db, cleanup
}

// DSN returns the shared test database's connection string plus a cleanup
// function that truncates all application tables. Use this instead of
// PGTest when the caller needs to own its own *sql.DB pool — server.New
// opens its own connection from cfg.DatabaseURL rather than accepting one.
func DSN(t *testing.T) (string, func()) {
	t.Helper()

	dsn := acquire(t)
	cleanup := func() {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer func() { _ = db.Close() }()
		truncateAll(context.Background(), db)
	}
	return dsn, cleanup
}

func acquire(t *testing.T) string {
	t.Helper()
	once.Do(func() { sharedDSN, initErr = acquireTestDatabase() })
	if initErr != nil {
		t.Skipf("testutil: no postgres test database available: %v", initErr)
	}
	return sharedDSN
}

func acquireTestDatabase() (string, error) {
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		if err := migrateURL(url); err != nil {
			return "", err
		}
		return url, nil
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("moneycore_test"),
		postgres.WithUsername("moneycore"),
		postgres.WithPassword("moneycore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", fmt.Errorf("starting postgres test container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", fmt.Errorf("reading connection string: %w", err)
	}
	if err := migrateURL(dsn); err != nil {
		return "", err
	}
	return dsn, nil
}

func migrateURL(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging test database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	dir, err := findMigrationsDir()
	if err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// findMigrationsDir walks up from the current working directory to find
// the project-level migrations/ directory, so callers work the same way
// whether invoked from internal/money/ledger or internal/server.
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find migrations/ directory walking up from %s", dir)
		}
		dir = parent
	}
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. Uses TRUNCATE ... CASCADE to handle foreign keys.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename != 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE"
		_, _ = db.ExecContext(ctx, stmt)
	}
}
