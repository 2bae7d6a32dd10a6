// Package storage opens bun databases for the supported drivers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-repository-live/config"
)

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*bun.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *bun.DB
	switch cfg.Driver {
	case config.DriverPostgres:
		sqldb, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case config.DriverSQLite:
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.LogQueries {
		db.AddQueryHook(NewQueryLogger(logger))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// EnsureTables creates the tables of models that do not exist yet.
func EnsureTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("storage: create table for %T: %w", m, err)
		}
	}
	return nil
}

// QueryLogger is a bun.QueryHook that logs statements at debug level and
// failed statements at error level.
type QueryLogger struct {
	logger *slog.Logger
}

var _ bun.QueryHook = (*QueryLogger)(nil)

// NewQueryLogger logs every statement through logger.
func NewQueryLogger(logger *slog.Logger) *QueryLogger {
	return &QueryLogger{logger: logger}
}

// BeforeQuery implements bun.QueryHook.
func (h *QueryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery logs the statement, its duration and any error.
func (h *QueryLogger) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)
	switch event.Err {
	case nil, sql.ErrNoRows, sql.ErrTxDone:
		h.logger.DebugContext(ctx, "sql",
			"operation", event.Operation(),
			"query", event.Query,
			"duration", elapsed,
		)
	default:
		h.logger.ErrorContext(ctx, "sql failed",
			"operation", event.Operation(),
			"query", event.Query,
			"duration", elapsed,
			"error", event.Err,
		)
	}
}
