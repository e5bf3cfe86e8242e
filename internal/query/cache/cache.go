// Package cache memoizes query results in Redis, keyed by the log file's
// fingerprint so a rebuilt or replaced log never serves stale answers.
// Concurrent misses for the same key are collapsed with singleflight, and
// Redis failures trip a circuit breaker so an unavailable cache degrades to
// computing every answer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/resilience"
)

const (
	keyPrefix   = "adlog:"
	callTimeout = 200 * time.Millisecond
)

// Backend is the subset of the Redis client the cache needs. Get must return
// an error satisfying pkgredis.IsNilError for a missing key.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	scope   string
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New returns a cache whose keys are scoped to scope, normally the log
// fingerprint. m may be nil.
func New(backend Backend, cfg config.RedisConfig, scope string, m *metrics.Metrics) *QueryCache {
	c := &QueryCache{
		backend: backend,
		scope:   scope,
		ttl:     cfg.CacheTTL,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
	c.breaker = resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		OnStateChange: func(name string, _, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return c
}

// GetOrCompute returns the cached value for (op, args) or computes, stores and
// returns it. The bool reports a cache hit. Cache failures are logged and
// never returned; only compute errors are.
func GetOrCompute[T any](ctx context.Context, c *QueryCache, op string, args any, compute func() (T, error)) (T, bool, error) {
	key := c.Key(op, args)
	var out T
	if c.lookup(ctx, key, &out) {
		return out, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		var cached T
		if c.lookup(ctx, key, &cached) {
			return cached, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, result)
		return result, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.(T), false, nil
}

// Key derives the Redis key for an operation and its arguments.
func (c *QueryCache) Key(op string, args any) string {
	raw := fmt.Sprintf("%s|%s|%+v", c.scope, op, args)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

func (c *QueryCache) lookup(ctx context.Context, key string, dst any) bool {
	var data string
	miss := false
	err := c.breaker.Execute(func() error {
		v, err := resilience.CallWithTimeout(ctx, callTimeout, "cache-get", func(ctx context.Context) (string, error) {
			return c.backend.Get(ctx, key)
		})
		if pkgredis.IsNilError(err) {
			miss = true
			return nil
		}
		data = v
		return err
	})
	if err != nil || miss {
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.recordMiss()
		return false
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.recordMiss()
		return false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "key", key)
	return true
}

func (c *QueryCache) store(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		_, err := resilience.CallWithTimeout(ctx, callTimeout, "cache-set", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.backend.Set(ctx, key, data, c.ttl)
		})
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *QueryCache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Invalidate drops every cached answer, for all log fingerprints.
func (c *QueryCache) Invalidate(ctx context.Context) (int64, error) {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

type Stats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Breaker string `json:"breaker"`
}

func (c *QueryCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Breaker: c.breaker.Current().String(),
	}
}
