package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/teller-assist/internal/charges"
)

const DefaultCacheKey = "pricing:matrix"

// Cache keeps a JSON snapshot of the matrix in Redis in front of a slower
// source. A Redis failure falls through to the source.
type Cache struct {
	Redis  *redis.Client
	Source charges.Source
	Key    string
	TTL    time.Duration
	Logger *slog.Logger
}

func NewCache(client *redis.Client, source charges.Source, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{Redis: client, Source: source, Key: DefaultCacheKey, TTL: ttl, Logger: logger}
}

func (c *Cache) key() string {
	if c.Key == "" {
		return DefaultCacheKey
	}
	return c.Key
}

func (c *Cache) LoadMatrix(ctx context.Context) (charges.Matrix, error) {
	if c.Redis != nil {
		raw, err := c.Redis.Get(ctx, c.key()).Bytes()
		switch {
		case err == nil:
			var m charges.Matrix
			jerr := json.Unmarshal(raw, &m)
			if jerr == nil {
				return m, nil
			}
			c.Logger.Warn("discarding unreadable pricing snapshot", "key", c.key(), "error", jerr)
		case errors.Is(err, redis.Nil):
		default:
			c.Logger.Warn("pricing cache unavailable", "error", err)
		}
	}

	m, err := c.Source.LoadMatrix(ctx)
	if err != nil {
		return nil, err
	}

	if c.Redis != nil {
		if raw, err := json.Marshal(m); err == nil {
			if err := c.Redis.Set(ctx, c.key(), raw, c.TTL).Err(); err != nil {
				c.Logger.Warn("pricing cache write failed", "error", err)
			}
		}
	}
	return m, nil
}

// Invalidate drops the snapshot so the next load reads the source.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Del(ctx, c.key()).Err()
}

// UpsertService writes through to the source and invalidates the snapshot.
func (c *Cache) UpsertService(ctx context.Context, serviceID string, fees map[charges.Segment]charges.FeeStructure, updatedBy string) error {
	store, ok := c.Source.(Store)
	if !ok {
		return ErrReadOnly
	}
	if err := store.UpsertService(ctx, serviceID, fees, updatedBy); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}
