package testsupport

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// PostgresDSNEnv names the variable that enables Postgres-backed tests.
const PostgresDSNEnv = "REPOSITORY_TEST_POSTGRES_DSN"

// SQLite opens a private in-memory database. A single connection keeps every
// query on the same memory database.
func SQLite(t testing.TB) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })
	return db
}

// Postgres connects to the database named by PostgresDSNEnv or skips the test.
func Postgres(t testing.TB) *bun.DB {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := sqldb.PingContext(context.Background()); err != nil {
		sqldb.Close()
		t.Skipf("postgres unreachable: %v", err)
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { db.Close() })
	return db
}

// CreateTables drops and recreates a table per model.
func CreateTables(t testing.TB, db *bun.DB, models ...any) {
	t.Helper()

	ctx := context.Background()
	for _, m := range models {
		if _, err := db.NewDropTable().Model(m).IfExists().Exec(ctx); err != nil {
			t.Fatalf("drop table for %T: %v", m, err)
		}
		if _, err := db.NewCreateTable().Model(m).Exec(ctx); err != nil {
			t.Fatalf("create table for %T: %v", m, err)
		}
	}
}

// Redis starts an in-process Redis server and returns a client for it.
func Redis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}
