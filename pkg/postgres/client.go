// Package postgres owns the lib/pq connection pool behind the statistics
// store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/resilience"
)

type Client struct {
	DB    *sql.DB
	cfg   config.PostgresConfig
	retry resilience.RetryConfig
}

// New opens the pool and waits for the server with bounded backoff.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{
		DB:  db,
		cfg: cfg,
		retry: resilience.RetryConfig{
			MaxAttempts:    4,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			JitterFraction: 0.1,
		},
	}
	err = resilience.Retry(ctx, "postgres-ping", c.retry, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return c, nil
}

// Conn pins a single connection from the pool. The caller must Close it.
func (c *Client) Conn(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	err := resilience.Retry(ctx, "postgres-conn", c.retry, func() error {
		var err error
		conn, err = c.DB.Conn(ctx)
		if err != nil && ctx.Err() != nil {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring postgres connection: %w", err)
	}
	return conn, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// InTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
