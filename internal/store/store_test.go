package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// --- Memory cache tests ---

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "report"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "report", []byte(`{"v":1}`), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := c.Get(ctx, "report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("expected stored bytes, got %s", got)
	}

	got[0] = 'X'
	again, _ := c.Get(ctx, "report")
	if string(again) != `{"v":1}` {
		t.Error("callers must not be able to mutate cached bytes")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "report", []byte("a"), 10*time.Second)

	now = now.Add(9 * time.Second)
	if _, err := c.Get(ctx, "report"); err != nil {
		t.Errorf("entry should still be fresh: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := c.Get(ctx, "report"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after ttl, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped, %d left", c.Len())
	}
}

func TestMemoryCache_ZeroTTLStoresNothing(t *testing.T) {
	c := NewMemoryCache()
	_ = c.Set(context.Background(), "report", []byte("a"), 0)
	if c.Len() != 0 {
		t.Error("zero ttl should not store")
	}
}

// --- Read-through tests ---

// failingCache fails every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestReadThrough(t *testing.T) {
	rt := NewReadThrough(NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) ([]byte, error) {
		loads++
		return []byte("report"), nil
	}
	for i := 0; i < 3; i++ {
		data, err := rt.Fetch(ctx, "k", load)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != "report" {
			t.Errorf("expected report, got %s", data)
		}
	}
	if loads != 1 {
		t.Errorf("expected 1 load, got %d", loads)
	}
}

func TestReadThrough_LoadErrorNotCached(t *testing.T) {
	cache := NewMemoryCache()
	rt := NewReadThrough(cache, time.Minute, nil)
	boom := errors.New("rpc down")

	_, err := rt.Fetch(context.Background(), "k", func(context.Context) ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if cache.Len() != 0 {
		t.Error("failed loads must not be cached")
	}
}

func TestReadThrough_CacheFailureFallsBack(t *testing.T) {
	rt := NewReadThrough(failingCache{}, time.Minute, nil)

	data, err := rt.Fetch(context.Background(), "k", func(context.Context) ([]byte, error) { return []byte("fresh"), nil })
	if err != nil {
		t.Fatalf("cache failures should not fail the request: %v", err)
	}
	if string(data) != "fresh" {
		t.Errorf("expected fresh, got %s", data)
	}
}

// --- Redis cache tests ---

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer rdb.Close()

	c := NewRedisCache(rdb, "portfolio-test-"+time.Now().Format("150405.000"))
	if _, err := c.Get(ctx, "report"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "report", []byte("a"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := c.Get(ctx, "report")
	if err != nil || string(got) != "a" {
		t.Errorf("expected a, got %q (%v)", got, err)
	}
}
