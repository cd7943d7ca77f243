package scoped

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DBConfig describes the shared database connection.
type DBConfig struct {
	// Driver is a registered database/sql driver name; "sqlite" is built in.
	Driver string
	DSN    string
	// MaxOpenConns caps the pool; zero leaves the driver default.
	MaxOpenConns int
	// ConnMaxLifetime recycles connections; zero keeps them indefinitely.
	ConnMaxLifetime time.Duration
}

// Open opens and pings the database described by cfg.
func Open(ctx context.Context, cfg DBConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("scoped: open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("scoped: ping %s: %w", driver, err)
	}
	return db, nil
}
