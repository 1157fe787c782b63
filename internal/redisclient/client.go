package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"order-platform/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const lockPollInterval = 25 * time.Millisecond

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	lockTTL       time.Duration
	dedupTTL      time.Duration
	logger        *zap.Logger
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int, lockTTL, dedupTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb, lockTTL, dedupTTL), nil
}

// New wraps an existing connection
func New(rdb *redis.Client, lockTTL, dedupTTL time.Duration) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		lockTTL:       lockTTL,
		dedupTTL:      dedupTTL,
		logger:        util.GetLogger(),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Lock acquires a distributed lock on key, polling until it is free or ctx
// ends. The lock expires after the lock TTL if its holder dies.
func (c *Client) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := c.rdb.SetNX(ctx, lockKey, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.releaseScript.Run(rctx, c.rdb, []string{lockKey}, token).Err(); err != nil {
			c.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Seen reports whether service already processed eventID
func (c *Client) Seen(ctx context.Context, service, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, dedupKey(service, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remember marks eventID as processed by service for the dedup TTL
func (c *Client) Remember(ctx context.Context, service, eventID string) error {
	return c.rdb.Set(ctx, dedupKey(service, eventID), 1, c.dedupTTL).Err()
}

func dedupKey(service, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", service, eventID)
}
