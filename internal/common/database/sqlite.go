// internal/common/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"bnpl-copilot/internal/common/config"

	_ "modernc.org/sqlite"
)

// SQLiteClient is an embedded warehouse for demos and tests.
type SQLiteClient struct {
	DB *sql.DB
}

// NewSQLite opens path with the pure-Go sqlite driver. ":memory:" databases
// are pinned to one connection so every query sees the same data.
func NewSQLite(cfg config.SQLiteConfig) (*SQLiteClient, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return &SQLiteClient{DB: db}, nil
}

func (c *SQLiteClient) Dialect() Dialect { return DialectSQLite }

func (c *SQLiteClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *SQLiteClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func (c *SQLiteClient) GetDB() *sql.DB {
	return c.DB
}

// Open connects the configured warehouse driver and seeds the demo data when asked.
func Open(ctx context.Context, cfg config.WarehouseConfig) (SQLStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgres(cfg.Postgres)
	case config.DriverSQLite:
		store, err := NewSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		if cfg.SQLite.SeedDemo {
			if err := SeedDemo(ctx, store, DemoOptions{}); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
}
