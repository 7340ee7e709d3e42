package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

const decisionKeyPrefix = "opnetplg:decision:"

// RedisDecisionCache shares admission decisions between nodes. Keys come from
// the admitter and carry the artifact sha256 and the policy fingerprint.
type RedisDecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ admission.DecisionCache = (*RedisDecisionCache)(nil)

// NewRedisClient connects to Redis using the URL and overrides from config
func NewRedisClient(ctx context.Context, config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisDecisionCache wraps a connected client. A zero ttl keeps entries forever.
func NewRedisDecisionCache(client *redis.Client, ttl time.Duration) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, ttl: ttl}
}

func decisionKey(key string) string {
	return decisionKeyPrefix + key
}

// GetDecision returns the cached decision, or false on a miss
func (c *RedisDecisionCache) GetDecision(ctx context.Context, key string) (*admission.Decision, bool, error) {
	key = decisionKey(key)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var d admission.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		// corrupt entry, drop it and treat as a miss
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &d, true, nil
}

// SetDecision stores a decision
func (c *RedisDecisionCache) SetDecision(ctx context.Context, key string, d *admission.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return c.client.Set(ctx, decisionKey(key), data, c.ttl).Err()
}

// Invalidate removes one cached decision
func (c *RedisDecisionCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, decisionKey(key)).Err()
}

// InvalidateAll removes every cached decision, e.g. after a policy change
func (c *RedisDecisionCache) InvalidateAll(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, decisionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan failed: %w", err)
	}
	return removed, nil
}

// Ping checks Redis connectivity
func (c *RedisDecisionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying client for health checks
func (c *RedisDecisionCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisDecisionCache) Close() error {
	return c.client.Close()
}
