// Package kv wraps the Redis connection behind the small set of primitives
// the system relies on: the priority sorted set, TTL'd payload and dedup
// keys, set-if-absent leases, counter-with-TTL rate limits, and presence
// flags shared across processes.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection with the operations the queue, pollers,
// guardrails, and session locks need. All methods are safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects to the KV store and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to KV store: %w", err)
	}

	return &Client{
		rdb:    rdb,
		logger: slog.Default().With("component", "kv"),
	}, nil
}

// NewClientFromRedis wraps an existing Redis client. Used by tests.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:    rdb,
		logger: slog.Default().With("component", "kv"),
	}
}

// optionsFromConfig accepts both "host:port" and full redis:// URLs.
func optionsFromConfig(cfg Config) (*redis.Options, error) {
	if strings.Contains(cfg.URL, "://") {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity. Used by health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the value at key. The second return is false when the key
// does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value at key with a TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only if key is absent. Returns true when the key was
// set, false when it already existed. This is the lease/lock primitive.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ErrDeduplicated marks a dedup key another claim already took.
var ErrDeduplicated = errors.New("already claimed")

// ClaimDedup claims a dedup key for the window. Exactly one caller per key
// per window succeeds; the rest get ErrDeduplicated.
func (c *Client) ClaimDedup(ctx context.Context, key string, window time.Duration) error {
	ok, err := c.SetNX(ctx, key, "1", window)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeduplicated
	}
	return nil
}

// IncrWithWindow increments a counter, setting the TTL on first increment.
// Returns the post-increment count. This is the rate-limit primitive: the
// count of a window bucket never outlives the window itself.
func (c *Client) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("kv expire %s: %w", key, err)
		}
	}
	return count, nil
}

// ZAdd inserts a member into a sorted set with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

// ZPopMin atomically removes and returns the lowest-scored member.
// The second return is false when the set is empty.
func (c *Client) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	entries, err := c.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("kv zpopmin %s: %w", key, err)
	}
	if len(entries) == 0 {
		return "", false, nil
	}
	member, ok := entries[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("kv zpopmin %s: unexpected member type %T", key, entries[0].Member)
	}
	return member, true, nil
}

// ZScore looks up a member's score. The second return is false when the
// member is not in the set.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv zscore %s: %w", key, err)
	}
	return score, true, nil
}

// ZCard returns the sorted set cardinality. Used for queue depth.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv zcard %s: %w", key, err)
	}
	return n, nil
}

// SMembers returns all members of a set. Missing keys yield an empty slice.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return members, nil
}

// SReplace atomically replaces a set's members and refreshes its TTL.
// Used for drive folder snapshots: the new listing fully supersedes the old.
func (c *Client) SReplace(ctx context.Context, key string, members []string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv sreplace %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of a key. Negative durations follow
// Redis semantics (-1 no expiry, -2 missing key).
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Expire resets a key's lifetime. Returns false when the key does not exist,
// which a lease holder must treat as having lost the lease.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv expire %s: %w", key, err)
	}
	return ok, nil
}
