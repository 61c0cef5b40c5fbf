// Package statscache wraps a Redis client to cache the aggregated
// control-plane stats payload and to fan out worker health/dispatch
// events on a pub/sub channel. Purely additive observability: single-
// instance correctness never depends on this package.
package statscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the pub/sub channel worker health transitions and
// dispatch wakes are published on.
const EventsChannel = "lb:events"

const statsKey = "lbproxy:stats"

// Cache owns the Redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect parses redisURL and pings the server, falling back to a
// localhost default on a bad URL.
func Connect(redisURL string, ttl time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	log.Println("statscache: connected to redis")
	return &Cache{client: client, ttl: ttl}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

// GetStats returns the cached stats payload, if present and unexpired.
func (c *Cache) GetStats(ctx context.Context) (json.RawMessage, bool) {
	val, err := c.client.Get(ctx, statsKey).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// PutStats caches a freshly computed stats payload for the configured TTL.
func (c *Cache) PutStats(ctx context.Context, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("statscache: marshal error: %v", err)
		return
	}
	if err := c.client.Set(ctx, statsKey, data, c.ttl).Err(); err != nil {
		log.Printf("statscache: set error: %v", err)
	}
}

// Event is one pub/sub message published on EventsChannel.
type Event struct {
	Kind      string    `json:"kind"`
	Worker    string    `json:"worker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishEvent fires a best-effort pub/sub notification; failures are logged.
func (c *Cache) PublishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		log.Printf("statscache: publish error: %v", err)
	}
}

// FlushCache clears the cached stats entry.
func (c *Cache) FlushCache(ctx context.Context) error {
	return c.client.Del(ctx, statsKey).Err()
}
