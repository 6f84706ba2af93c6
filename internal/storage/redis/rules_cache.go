// Package redis shares robots rule sets between crawler processes through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// Client is the subset of the go-redis client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Close() error
}

// Config configures the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type entry struct {
	Disallowed []string `json:"disallowed"`
	Source     string   `json:"source"`
}

// RulesCache implements crawler.RulesCache on Redis strings.
type RulesCache struct {
	client Client
	prefix string
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg Config) (*RulesCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client.
func New(client Client, prefix string) *RulesCache {
	return &RulesCache{client: client, prefix: prefix}
}

func (c *RulesCache) key(origin string) string { return c.prefix + origin }

// Get returns the cached rules for origin. A missing key is not an error.
func (c *RulesCache) Get(ctx context.Context, origin string) (crawler.RuleSet, bool, error) {
	raw, err := c.client.Get(ctx, c.key(origin)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.RuleSet{}, false, nil
	}
	if err != nil {
		return crawler.RuleSet{}, false, fmt.Errorf("redis get %s: %w", origin, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return crawler.RuleSet{}, false, fmt.Errorf("decode cached rules for %s: %w", origin, err)
	}
	return crawler.RuleSet{Disallowed: e.Disallowed, Source: e.Source}, true, nil
}

// Set stores rules for origin with the given ttl (0 keeps the key without expiry).
func (c *RulesCache) Set(ctx context.Context, origin string, rules crawler.RuleSet, ttl time.Duration) error {
	payload, err := json.Marshal(entry{Disallowed: rules.Disallowed, Source: rules.Source})
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := c.client.Set(ctx, c.key(origin), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", origin, err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RulesCache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
