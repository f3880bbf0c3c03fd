// Package correlation implements the webhook server's short-lived,
// per-source memory of the last XML event seen, used to attach later
// image-only multipart parts to the metadata that preceded them.
//
// A Cache is backed by an in-memory map by default. When server.redis_addr
// is configured, Redis-backed storage is used instead, so multiple bridge
// instances behind a load balancer share correlation state — following the
// adapter-with-in-memory-fallback convention of the teacher's
// infra.GoRedisAdapter.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one cached XML payload plus the time it was stored.
type Entry struct {
	XML       []byte
	StoredAt  time.Time
}

// Cache stores the most recent XML payload seen from each client_addr,
// expiring entries after a TTL.
type Cache interface {
	Put(ctx context.Context, clientAddr string, xmlPayload []byte) error
	Get(ctx context.Context, clientAddr string) ([]byte, bool, error)
}

// memoryCache is the default, process-local implementation.
type memoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryCache constructs the default in-memory correlation cache.
func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{ttl: ttl, entries: make(map[string]Entry)}
}

func (c *memoryCache) Put(_ context.Context, clientAddr string, xmlPayload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[clientAddr] = Entry{XML: xmlPayload, StoredAt: time.Now()}
	return nil
}

func (c *memoryCache) Get(_ context.Context, clientAddr string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[clientAddr]
	if !ok {
		return nil, false, nil
	}
	if time.Since(e.StoredAt) > c.ttl {
		delete(c.entries, clientAddr)
		return nil, false, nil
	}
	return e.XML, true, nil
}

// redisCache stores correlation entries in Redis with a native key TTL,
// so a restarted bridge instance does not need to rebuild the cache and
// multiple instances share it.
type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to addr and returns a Redis-backed Cache. Callers
// should fall back to NewMemoryCache if this returns an error.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return &redisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *redisCache) Put(ctx context.Context, clientAddr string, xmlPayload []byte) error {
	return c.rdb.Set(ctx, correlationKey(clientAddr), xmlPayload, c.ttl).Err()
}

func (c *redisCache) Get(ctx context.Context, clientAddr string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, correlationKey(clientAddr)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func correlationKey(clientAddr string) string {
	return "isapi:correlation:" + clientAddr
}
