package storage

import (
	"context"
	"sync"

	"github.com/record-exporter/internal/config"
)

// Clients holds process-scoped connections, opened on first use and reused
// by every invocation the warm process serves. A failed open is retried on
// the next call.
type Clients struct {
	cfg *config.DatabaseConfig

	mu         sync.Mutex
	postgres   *PostgresDB
	redis      *RedisDB
	clickhouse *ClickHouseDB
}

// NewClients creates a lazy connection holder
func NewClients(cfg *config.DatabaseConfig) *Clients {
	return &Clients{cfg: cfg}
}

// Postgres returns the shared Postgres pool
func (c *Clients) Postgres(ctx context.Context) (*PostgresDB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.postgres == nil {
		db, err := NewPostgresDB(ctx, &c.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		c.postgres = db
	}
	return c.postgres, nil
}

// Redis returns the shared Redis client
func (c *Clients) Redis(ctx context.Context) (*RedisDB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redis == nil {
		db, err := NewRedisDB(ctx, &c.cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.redis = db
	}
	return c.redis, nil
}

// ClickHouse returns the shared ClickHouse connection, or nil when the ledger is disabled
func (c *Clients) ClickHouse(ctx context.Context) (*ClickHouseDB, error) {
	if !c.cfg.ClickHouse.Enabled {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clickhouse == nil {
		db, err := NewClickHouseDB(ctx, &c.cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		c.clickhouse = db
	}
	return c.clickhouse, nil
}

// Close releases every opened connection
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.postgres != nil {
		c.postgres.Close()
		c.postgres = nil
	}
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
	if c.clickhouse != nil {
		_ = c.clickhouse.Close()
		c.clickhouse = nil
	}
}
