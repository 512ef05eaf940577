package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ UniverseCache = (*RedisCache)(nil)

// universeKey is the Redis key of the cached universe.
const universeKey = "barvault:universe:us"

type universeEntry struct {
	Symbols   []string  `json:"symbols"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RedisCache stores the universe as one JSON value that expires after TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached universe, if any.
func (c *RedisCache) Get(ctx context.Context) ([]string, time.Time, bool, error) {
	data, err := c.client.Get(ctx, universeKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("redis get universe: %w", err)
	}
	var e universeEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decoding cached universe: %w", err)
	}
	return e.Symbols, e.FetchedAt, len(e.Symbols) > 0, nil
}

// Put stores symbols with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, symbols []string) error {
	data, err := json.Marshal(universeEntry{Symbols: SortDedup(symbols), FetchedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, universeKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set universe: %w", err)
	}
	return nil
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
