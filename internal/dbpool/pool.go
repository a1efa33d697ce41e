// Package dbpool owns the single PostgreSQL connection pool shared by the
// transaction store and the fee tier repository.
package dbpool

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// SharedPool wraps one *sql.DB so every repository on the postgres backend
// draws from the same pool instead of opening its own.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings the pool, then applies the configured
// connection limits.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

// DB returns the underlying pool for repositories to use.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close shuts the pool down. Call once at process exit; sql.DB.Close is
// idempotent.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
