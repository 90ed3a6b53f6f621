package recent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cef-viewer/internal/schema"
)

// ListClient is the subset of Redis list commands used by RedisStore.
type ListClient interface {
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Close() error
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	TLSEnabled  bool
	DialTimeout time.Duration
}

// GoRedisClient adapts go-redis to ListClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

func (g *GoRedisClient) LPush(ctx context.Context, key string, value []byte) error {
	return g.client.LPush(ctx, key, value).Err()
}

func (g *GoRedisClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return g.client.LTrim(ctx, key, start, stop).Err()
}

func (g *GoRedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return g.client.LRange(ctx, key, start, stop).Result()
}

func (g *GoRedisClient) LLen(ctx context.Context, key string) (int64, error) {
	return g.client.LLen(ctx, key).Result()
}

func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// RedisStore keeps recent records in a Redis list so that several ingest
// processes can share one view. Records are stored as their JSON form.
type RedisStore struct {
	client   ListClient
	key      string
	capacity int64
}

// NewRedisStore creates a store on top of client.
func NewRedisStore(client ListClient, key string, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if key == "" {
		key = "cef:recent"
	}
	return &RedisStore{client: client, key: key, capacity: int64(capacity)}
}

// Write pushes the record and trims the list to capacity.
func (s *RedisStore) Write(ctx context.Context, record *schema.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to push record: %w", err)
	}
	if err := s.client.LTrim(ctx, s.key, 0, s.capacity-1); err != nil {
		return fmt.Errorf("failed to trim recent list: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. Entries that no longer
// decode are skipped.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*schema.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	values, err := s.client.LRange(ctx, s.key, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent list: %w", err)
	}

	records := make([]*schema.Record, 0, len(values))
	for _, v := range values {
		var r schema.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			slog.Warn("skipping undecodable recent record", "key", s.key, "error", err)
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

// Len returns the list length.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key)
	return int(n), err
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
