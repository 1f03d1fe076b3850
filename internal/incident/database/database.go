package database

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/cureops/incidentd/internal/config"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
)

// Database manages the shared PostgreSQL connection pool.
type Database struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens a connection pool and verifies it with a ping.
func New(cfg *config.DatabaseConfig) (*Database, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// DB returns the underlying pool for stores and migrations.
func (d *Database) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Close closes the pool.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping verifies the connection is still alive.
func (d *Database) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db.Ping()
}
