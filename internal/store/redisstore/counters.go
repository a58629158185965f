// Package redisstore keeps per-alias counters in Redis hashes. HINCRBY is
// atomic on the server, so any number of workers may count the same alias.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/store"
)

const defaultPrefix = "alias-forwarder:metrics:"

// Config holds the Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Counters implements store.MetricRecorder.
type Counters struct {
	rdb    goredis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Counters, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb goredis.UniversalClient, prefix string) *Counters {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Counters{rdb: rdb, prefix: prefix}
}

// Key returns the hash key holding the counters of an alias.
func (c *Counters) Key(aliasID string) string {
	return c.prefix + aliasID
}

// IncrementMetric adds one to the counter field and stamps the update time.
func (c *Counters) IncrementMetric(ctx context.Context, aliasID string, kind account.MetricKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidKind, kind)
	}

	key := c.Key(aliasID)
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, string(kind), 1)
	pipe.HSet(ctx, key, "updated_at", time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment %s for alias %s: %w", kind, aliasID, err)
	}
	return nil
}

// GetMetric reads the counters of an alias.
func (c *Counters) GetMetric(ctx context.Context, aliasID string) (*account.EmailMetric, error) {
	fields, err := c.rdb.HGetAll(ctx, c.Key(aliasID)).Result()
	if err != nil {
		return nil, err
	}
	return parseMetric(aliasID, fields), nil
}

// Ping checks the Redis connection.
func (c *Counters) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Counters) Close() error {
	return c.rdb.Close()
}

func parseMetric(aliasID string, fields map[string]string) *account.EmailMetric {
	m := &account.EmailMetric{AliasID: aliasID}
	if v, err := strconv.ParseInt(fields[string(account.MetricForwarded)], 10, 64); err == nil {
		m.Forwarded = v
	}
	if v, err := strconv.ParseInt(fields[string(account.MetricBlocked)], 10, 64); err == nil {
		m.Blocked = v
	}
	if ts, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		m.UpdatedAt = ts
	}
	return m
}
