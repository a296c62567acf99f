// Package store caches rendered reports between requests. Implementations
// include Redis (shared across instances) and in-memory (single instance and
// tests). Price resolution never reads from the cache: every cached entry is
// a finished report.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrMiss is returned by Get when key is absent or expired.
var ErrMiss = errors.New("store: cache miss")

// ReportCache stores encoded reports under string keys.
type ReportCache interface {
	// Get returns the bytes stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores data under key for ttl.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// ReadThrough serves reports from a ReportCache and falls back to a loader
// on a miss. Cache failures are logged and treated as misses: the cache
// never fails a request that the loader can serve.
type ReadThrough struct {
	cache  ReportCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewReadThrough wraps cache. A nil logger uses slog.Default().
func NewReadThrough(cache ReportCache, ttl time.Duration, logger *slog.Logger) *ReadThrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadThrough{cache: cache, ttl: ttl, logger: logger}
}

// Fetch returns the cached bytes for key, or calls load and caches its
// result. Load errors are returned and nothing is cached.
func (r *ReadThrough) Fetch(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	data, err := r.cache.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrMiss) {
		r.logger.Warn("report cache read failed", "key", key, "err", err)
	}

	data, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn("report cache write failed", "key", key, "err", err)
	}
	return data, nil
}
