package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatarchive/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const userCachePrefix = "users"

// UserCache puts a Redis read-through cache in front of FindUser. Only hits
// are cached; a user row never changes identity once created, so entries can
// live until the TTL expires. All other Store methods pass through.
type UserCache struct {
	Store
	cli *redis.Client
	ttl time.Duration
}

// NewUserCache connects to Redis and pings it to ensure the connection works.
func NewUserCache(ctx context.Context, addr string, next Store, ttl time.Duration) (*UserCache, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &UserCache{Store: next, cli: cli, ttl: ttl}, nil
}

func userCacheKey(accountID uuid.UUID, remoteUserID string) string {
	return fmt.Sprintf("%s:%s:%s", userCachePrefix, accountID, remoteUserID)
}

func (c *UserCache) FindUser(ctx context.Context, remoteUserID string, accountID uuid.UUID) (*User, error) {
	key := userCacheKey(accountID, remoteUserID)

	raw, err := c.cli.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var u User
		if jsonErr := json.Unmarshal(raw, &u); jsonErr == nil {
			metrics.UserCacheLookups.WithLabelValues("hit").Inc()
			return &u, nil
		}
		slog.Warn("Dropping corrupt user cache entry", "key", key)
		c.cli.Del(ctx, key)
	case errors.Is(err, redis.Nil):
	default:
		slog.Warn("User cache unavailable, reading from store", "error", err)
	}
	metrics.UserCacheLookups.WithLabelValues("miss").Inc()

	u, err := c.Store.FindUser(ctx, remoteUserID, accountID)
	if err != nil || u == nil {
		return u, err
	}

	if raw, err := json.Marshal(u); err == nil {
		if err := c.cli.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			slog.Warn("Failed to cache user", "error", err, "key", key)
		}
	}
	return u, nil
}

func (c *UserCache) Close() error {
	cacheErr := c.cli.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
