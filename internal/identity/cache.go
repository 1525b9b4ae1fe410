package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renderproof/renderproof/pkg/logger"
)

const cacheTTL = 7 * 24 * time.Hour

// Cache is an optional Redis-backed cross-run hash cache. A corpus entry
// is keyed by path and validated against the file's current size and
// mtime, so unchanged files are not re-hashed on every run. The cache
// degrades gracefully: any Redis error falls back to hashing.
type Cache struct {
	client  *redis.Client
	prefix  string
	log     *logger.Logger
	healthy bool
}

// CacheConfig holds Redis connection settings for the hash cache.
type CacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewCache connects to Redis and returns a Cache. A failed connection is
// not fatal; the returned cache is disabled and every lookup misses.
func NewCache(cfg CacheConfig, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "renderproof"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	c := &Cache{
		client:  client,
		prefix:  cfg.Prefix,
		log:     log.WithComponent("hash-cache"),
		healthy: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.log.WithError(err).Warn("redis unavailable, hash cache disabled")
		c.healthy = false
	}
	return c
}

// Lookup returns a previously computed identity for path if the file has
// not changed since it was cached.
func (c *Cache) Lookup(ctx context.Context, path string) (string, bool) {
	if !c.healthy {
		return "", false
	}

	stamp, err := fileStamp(path)
	if err != nil {
		return "", false
	}

	val, err := c.client.Get(ctx, c.key(path)).Result()
	if err != nil {
		return "", false
	}

	cachedStamp, id, ok := strings.Cut(val, "|")
	if !ok || cachedStamp != stamp {
		return "", false
	}
	return id, true
}

// Store records the identity for path along with the file's current
// size and mtime stamp.
func (c *Cache) Store(ctx context.Context, path, id string) {
	if !c.healthy {
		return
	}

	stamp, err := fileStamp(path)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.key(path), stamp+"|"+id, cacheTTL).Err(); err != nil {
		c.log.WithError(err).Debug("hash cache store failed")
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(path string) string {
	return c.prefix + ":hash:" + path
}

func fileStamp(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()), nil
}
