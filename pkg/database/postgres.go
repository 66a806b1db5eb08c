// Package database owns the Postgres connection used for tenant and user
// records. Event data never touches Postgres; the durable log lives in
// Redis.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	dbsql "github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/database/sql"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
)

// Config bounds the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig sizes the pool for a single gateway instance.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Connect opens the pool and verifies the database answers before anything
// depends on it.
func Connect(ctx context.Context, cfg Config, logger logging.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

// Migrate applies the embedded schema files in lexical order. Every
// statement is idempotent, so running it on each boot is safe.
func Migrate(ctx context.Context, db *sql.DB, logger logging.Logger) error {
	entries, err := dbsql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := dbsql.Content.ReadFile("schema/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply schema file %s: %w", entry.Name(), err)
		}
		logger.WithField("file", entry.Name()).Info("Applied schema file")
	}

	return nil
}
