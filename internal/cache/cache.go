// Package cache provides a two-tier byte cache: an in-process ristretto
// tier for hot lookups and an optional shared redis tier behind it.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options sizes the cache. A nil Redis client runs memory-only.
type Options struct {
	MaxCost int64
	TTL     time.Duration
	Redis   *redis.Client
}

// Tiered is the two-tier cache. All methods are safe for concurrent use.
type Tiered struct {
	mem    *ristretto.Cache[string, []byte]
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	memHits    atomic.Int64
	memMisses  atomic.Int64
	redisHits  atomic.Int64
	redisMisses atomic.Int64
}

// NewTiered builds the cache. MaxCost is total bytes held in memory.
func NewTiered(opts Options, logger *zap.Logger) (*Tiered, error) {
	if opts.MaxCost <= 0 {
		opts.MaxCost = 32 << 20
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}

	mem, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create memory tier: %w", err)
	}

	return &Tiered{
		mem:    mem,
		redis:  opts.Redis,
		ttl:    opts.TTL,
		logger: logger.Named("cache"),
	}, nil
}

// Get checks the memory tier, then redis. A redis hit is promoted into
// memory.
func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := c.mem.Get(key); ok {
		c.memHits.Add(1)
		return data, true
	}
	c.memMisses.Add(1)

	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil || len(data) == 0 {
		c.redisMisses.Add(1)
		return nil, false
	}
	c.redisHits.Add(1)
	c.mem.SetWithTTL(key, data, int64(len(data)), c.ttl)
	return data, true
}

// Set writes both tiers. The redis write is best effort.
func (c *Tiered) Set(ctx context.Context, key string, data []byte) {
	c.mem.SetWithTTL(key, data, int64(len(data)), c.ttl)
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete drops a key from both tiers.
func (c *Tiered) Delete(ctx context.Context, key string) error {
	c.mem.Del(key)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached value or computes and stores it.
func (c *Tiered) GetOrCompute(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}
	data, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, data)
	return data, nil
}

// Clear empties the memory tier. Redis entries age out on their TTL.
func (c *Tiered) Clear() {
	c.mem.Clear()
}

// Wait flushes pending memory-tier writes so a following Get observes
// them. Test hook; production paths tolerate the write buffer.
func (c *Tiered) Wait() {
	c.mem.Wait()
}

// Stats is a point-in-time view of hit counters.
type Stats struct {
	MemHits     int64   `json:"mem_hits"`
	MemMisses   int64   `json:"mem_misses"`
	RedisHits   int64   `json:"redis_hits"`
	RedisMisses int64   `json:"redis_misses"`
	HitRate     float64 `json:"hit_rate"`
	RedisActive bool    `json:"redis_active"`
}

// Stats reports counters for the status surface.
func (c *Tiered) Stats() Stats {
	s := Stats{
		MemHits:     c.memHits.Load(),
		MemMisses:   c.memMisses.Load(),
		RedisHits:   c.redisHits.Load(),
		RedisMisses: c.redisMisses.Load(),
		RedisActive: c.redis != nil,
	}
	if total := s.MemHits + s.MemMisses; total > 0 {
		s.HitRate = float64(s.MemHits+s.RedisHits) / float64(total)
	}
	return s
}

// Close releases the memory tier. The redis client is owned by the caller.
func (c *Tiered) Close() {
	c.mem.Close()
}
