package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"drivepulse/services/telemetry/internal/store"
)

func floatPtr(v float64) *float64 {
	return &v
}

func TestRedisCachePublishAndRecentOrdering(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(mr.Addr(), 500, time.Hour)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		point := store.DataPoint{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			RPM:       floatPtr(800 + float64(i)*100),
		}
		if err := c.PublishPoint(ctx, "session-1", point); err != nil {
			t.Fatalf("publish point failed: %v", err)
		}
	}

	points, err := c.Recent(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 recent points, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			t.Fatalf("recent points out of order: %v before %v", points[i].Timestamp, points[i-1].Timestamp)
		}
	}
	if *points[0].RPM != 800 {
		t.Fatalf("expected oldest point first, got rpm=%f", *points[0].RPM)
	}
}

func TestRedisCacheRecentIsBounded(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(mr.Addr(), 5, time.Hour)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})

	for i := 0; i < 20; i++ {
		point := store.DataPoint{Timestamp: time.Now().UTC(), Speed: floatPtr(float64(i))}
		if err := c.PublishPoint(ctx, "session-1", point); err != nil {
			t.Fatalf("publish point failed: %v", err)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	depth, err := client.LLen(ctx, recentKey("session-1")).Result()
	if err != nil {
		t.Fatalf("llen failed: %v", err)
	}
	if depth != 5 {
		t.Fatalf("expected recent list trimmed to 5, got %d", depth)
	}

	points, err := c.Recent(ctx, "session-1", 100)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(points))
	}
	if *points[len(points)-1].Speed != 19 {
		t.Fatalf("expected newest point last, got speed=%f", *points[len(points)-1].Speed)
	}
}

func TestRedisCacheSubscribeReceivesPublishedPoints(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewRedisCache(mr.Addr(), 500, time.Hour)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})

	messages, unsubscribe, err := c.Subscribe(ctx, "session-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	t.Cleanup(unsubscribe)

	point := store.DataPoint{Timestamp: time.Now().UTC(), EngineTemp: floatPtr(92.5)}
	if err := c.PublishPoint(ctx, "session-1", point); err != nil {
		t.Fatalf("publish point failed: %v", err)
	}

	select {
	case payload := <-messages:
		decoded := store.DataPoint{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode payload failed: %v", err)
		}
		if decoded.EngineTemp == nil || *decoded.EngineTemp != 92.5 {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published point")
	}
}

func TestNoopCacheDegradesQuietly(t *testing.T) {
	c := NewNoopCache()
	ctx := context.Background()

	if err := c.PublishPoint(ctx, "session-1", store.DataPoint{}); err != nil {
		t.Fatalf("noop publish should not fail: %v", err)
	}
	if _, err := c.Recent(ctx, "session-1", 10); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := c.Health(ctx); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured health, got %v", err)
	}
}
