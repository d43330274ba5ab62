package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	cache := NewInMemoryCache(1*time.Second, WithLogger(zerolog.Nop()))
	ctx := context.Background()
	key := "foo"
	value := []string{"brainstorm", "outline"}

	if err := cache.Set(ctx, key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if goals, ok := got.([]string); !ok || len(goals) != 2 || goals[1] != "outline" {
		t.Errorf("expected %v, got %v", value, got)
	}
}

func TestInMemoryCache_Missing(t *testing.T) {
	cache := NewInMemoryCache(time.Second, WithLogger(zerolog.Nop()))
	_, err := cache.Get(context.Background(), "nope")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cache := NewInMemoryCache(50*time.Millisecond, WithClock(clock), WithLogger(zerolog.Nop()))
	ctx := context.Background()

	if err := cache.Set(ctx, "baz", "qux"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mu.Lock()
	now = now.Add(60 * time.Millisecond)
	mu.Unlock()

	if _, err := cache.Get(ctx, "baz"); err == nil {
		t.Errorf("expected error for expired item, got nil")
	}
	if n := cache.Sweep(); n != 1 {
		t.Errorf("expected 1 swept item, got %d", n)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d items", cache.Len())
	}
}

func TestInMemoryCache_CancelledContext(t *testing.T) {
	cache := NewInMemoryCache(time.Second, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cache.Set(ctx, "k", 1); err == nil {
		t.Error("expected Set to fail on cancelled context")
	}
	if _, err := cache.Get(ctx, "k"); err == nil {
		t.Error("expected Get to fail on cancelled context")
	}
}

func TestInMemoryCache_Concurrency(t *testing.T) {
	cache := NewInMemoryCache(1*time.Second, WithCleanupInterval(time.Millisecond), WithLogger(zerolog.Nop()))
	defer cache.Close()
	ctx := context.Background()
	key := "concurrent"
	value := "val"
	setErr := make(chan error, 1)
	getErr := make(chan error, 1)

	go func() {
		setErr <- cache.Set(ctx, key, value)
	}()
	go func() {
		_, err := cache.Get(ctx, key)
		getErr <- err
	}()

	if err := <-setErr; err != nil {
		t.Errorf("Set failed: %v", err)
	}
	if err := <-getErr; err != nil && !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected Get error: %v", err)
	}
	cache.Close()
}
