// Package persistence wires the configured database driver into a db.Pool
// and applies the Session Repository's schema, so cmd/kandev's startup
// sequence has one call to make before constructing repository.New.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/db"
	"github.com/kandev/kandev/internal/db/dialect"
	"github.com/kandev/kandev/internal/session/repository"
)

// Provide opens the configured database, applies the Session Repository
// schema, and returns a Pool plus the dialect driver name repository.New
// expects. Schema application is idempotent (CREATE TABLE/INDEX IF NOT
// EXISTS), so it is safe to call on every process start.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, string, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		sqlxConn := sqlx.NewDb(conn, "pgx")
		pool := db.NewPool(sqlxConn, sqlxConn)
		if _, err := pool.Writer().Exec(repository.Schema); err != nil {
			_ = pool.Close()
			return nil, "", nil, fmt.Errorf("failed to apply session schema: %w", err)
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_driver", dialect.PGX))
		}
		return pool, dialect.PGX, func() error { return pool.Close() }, nil

	case "sqlite", "":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, "", nil, fmt.Errorf("failed to open sqlite reader pool: %w", err)
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		if _, err := pool.Writer().Exec(repository.Schema); err != nil {
			_ = pool.Close()
			return nil, "", nil, fmt.Errorf("failed to apply session schema: %w", err)
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_path", cfg.Database.Path), zap.String("db_driver", dialect.SQLite3))
		}
		cleanup := func() error {
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, dialect.SQLite3, cleanup, nil

	default:
		return nil, "", nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
