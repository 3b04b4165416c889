// Package redis wraps go-redis for the bot's caches and cooldown keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"btbot/internal/config"

	redis "github.com/redis/go-redis/v9"
)

const (
	namespace   = "btbot"
	pingTimeout = 3 * time.Second
)

// ErrCacheMiss is returned (wrapped) by Get when the key does not exist.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// Key joins parts under the btbot namespace, e.g. Key("history", "u1") is
// "btbot:history:u1".
func Key(parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// Client is the subset of redis the bot needs. A nil *Client reports
// errNotInitialized instead of panicking.
type Client struct {
	inner *redis.Client
}

// NewRedisClient connects using cfg.Redis and verifies the connection.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	rc := cfg.Redis
	if rc.Host == "" {
		rc.Host = "127.0.0.1"
	}
	if rc.Port == 0 {
		rc.Port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", rc.Host, rc.Port),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", client.Options().Addr, err)
	}
	return &Client{inner: client}, nil
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.inner.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores key only if it is absent and reports whether it was stored.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	ok, err := c.inner.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	val, err := c.inner.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.inner.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PTTL returns the remaining ttl with millisecond precision. Negative values
// follow redis: -1 for no expiry, -2 for a missing key.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	d, err := c.inner.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	return d, nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the go-redis client for tests and one-off commands.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
