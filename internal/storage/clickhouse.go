// Package storage keeps parsed CEF records in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"cef-viewer/internal/config"
)

const pingTimeout = 5 * time.Second

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client is a ClickHouse connection bound to one database.
type Client struct {
	conn driver.Conn
	db   string
}

func options(cfg config.ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings:        clickhouse.Settings{"max_execution_time": 60},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Connect opens a pool to cfg.Hosts and checks that a server answers.
func Connect(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(options(cfg))
	if err != nil {
		return nil, unavailable("open", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		conn.Close()
		return nil, unavailable("ping", err)
	}
	return &Client{conn: conn, db: cfg.Database}, nil
}

// Setup makes the database ready for inserts. It creates the database,
// applies pending migrations and sets the retention TTL. A retention of
// zero days keeps rows forever.
func (c *Client) Setup(ctx context.Context, retentionDays int) error {
	if !identPattern.MatchString(c.db) {
		return fmt.Errorf("storage: invalid database name %q", c.db)
	}
	if err := c.conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+c.db); err != nil {
		return &OpError{Op: "create database", Err: err}
	}

	applied, err := c.migrate(ctx)
	if err != nil {
		return err
	}
	slog.Info("clickhouse schema ready", "database", c.db, "migrations_applied", applied)

	c.applyRetention(ctx, retentionDays)
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.conn.Close()
}
