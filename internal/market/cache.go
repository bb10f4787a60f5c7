package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// QuoteCache stores the last good quote per symbol
type QuoteCache interface {
	Get(ctx context.Context, symbol string) (Quote, bool, error)
	Put(ctx context.Context, q Quote) error
}

// CachedProvider falls back to the last-known quote when the upstream
// provider fails. Only a symbol that was never quoted surfaces an error.
type CachedProvider struct {
	upstream Provider
	cache    QuoteCache
	log      *logger.Logger
}

// NewCachedProvider wraps upstream with cache
func NewCachedProvider(upstream Provider, cache QuoteCache) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		cache:    cache,
		log:      logger.GetLogger("market.cache"),
	}
}

// Quote fetches from upstream and refreshes the cache, or serves a stale copy
func (p *CachedProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	q, err := p.upstream.Quote(ctx, symbol)
	if err == nil {
		if perr := p.cache.Put(ctx, q); perr != nil {
			p.log.Warnw("Failed to cache quote", "symbol", symbol, "error", perr)
		}
		return q, nil
	}

	cached, ok, cerr := p.cache.Get(ctx, symbol)
	if cerr != nil {
		p.log.Warnw("Failed to read cached quote", "symbol", symbol, "error", cerr)
	}
	if !ok {
		return Quote{}, errors.DataUnavailable(symbol, err)
	}

	p.log.Debugw("Serving last-known quote", "symbol", symbol, "age", time.Since(cached.At), "error", err)
	cached.Stale = true
	return cached, nil
}

// MemoryCache is a process-local QuoteCache
type MemoryCache struct {
	quotes map[string]Quote
	mu     sync.RWMutex
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]Quote)}
}

// Get returns the cached quote for symbol
func (c *MemoryCache) Get(_ context.Context, symbol string) (Quote, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok, nil
}

// Put stores q
func (c *MemoryCache) Put(_ context.Context, q Quote) error {
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	c.mu.Unlock()
	return nil
}

// RedisCache keeps last-known quotes in Redis so they survive restarts and
// can be shared between engine instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures NewRedisCache
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisCache connects to Redis and checks the connection
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithType(errors.Wrapf(err, "redis connection to %s failed", opts.Addr), errors.ErrorTypeConfig)
	}

	return NewRedisCacheWithClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "quote:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(symbol string) string {
	return c.prefix + symbol
}

// Get reads a cached quote. A miss is not an error.
func (c *RedisCache) Get(ctx context.Context, symbol string) (Quote, bool, error) {
	val, err := c.client.Get(ctx, c.key(symbol)).Result()
	if err == redis.Nil {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, errors.Wrap(err, "redis get")
	}

	var q Quote
	if err := json.Unmarshal([]byte(val), &q); err != nil {
		return Quote{}, false, errors.Wrap(err, "decode cached quote")
	}
	return q, true, nil
}

// Put writes q with the configured TTL; zero means no expiry
func (c *RedisCache) Put(ctx context.Context, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "encode quote")
	}
	if err := c.client.Set(ctx, c.key(q.Symbol), string(data), c.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Close releases the Redis connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}
