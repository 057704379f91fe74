package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"drivepulse/services/telemetry/internal/store"
)

type RedisCache struct {
	client      *redis.Client
	recentLimit int
	recentTTL   time.Duration
}

func NewRedisCache(addr string, recentLimit int, recentTTL time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if recentLimit <= 0 {
		recentLimit = 500
	}
	if recentTTL <= 0 {
		recentTTL = 24 * time.Hour
	}

	return &RedisCache{
		client:      client,
		recentLimit: recentLimit,
		recentTTL:   recentTTL,
	}, nil
}

func pointsChannel(sessionID string) string {
	return "session:" + sessionID + ":points"
}

func eventsChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

func recentKey(sessionID string) string {
	return "session:" + sessionID + ":recent"
}

// PublishPoint fans the point out to channel subscribers and prepends it to
// the bounded recent list in one pipeline round trip.
func (c *RedisCache) PublishPoint(ctx context.Context, sessionID string, point store.DataPoint) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return err
	}

	key := recentKey(sessionID)
	pipe := c.client.Pipeline()
	pipe.Publish(ctx, pointsChannel(sessionID), payload)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(c.recentLimit-1))
	pipe.Expire(ctx, key, c.recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish point: %w", err)
	}
	return nil
}

func (c *RedisCache) PublishEvent(ctx context.Context, sessionID string, event SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, eventsChannel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest cached points, oldest first.
func (c *RedisCache) Recent(ctx context.Context, sessionID string, limit int) ([]store.DataPoint, error) {
	if limit <= 0 || limit > c.recentLimit {
		limit = c.recentLimit
	}

	raw, err := c.client.LRange(ctx, recentKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	points := make([]store.DataPoint, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		point := store.DataPoint{}
		if err := json.Unmarshal([]byte(raw[i]), &point); err != nil {
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

// Subscribe delivers raw point payloads for a session until the returned
// cancel function is called or ctx ends.
func (c *RedisCache) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	sub := c.client.Subscribe(ctx, pointsChannel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return out, cancel, nil
}

func (c *RedisCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
