// Package cache keeps immutable version snapshots in Redis in front of the
// database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cogspace/api/internal/metrics"
	"cogspace/api/internal/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("cogspace/cache")

// NewClient parses a redis:// URL and checks the server is reachable.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// VersionCache is a read-through cache of committed versions. Versions never
// change once written, so entries are never invalidated; the TTL only bounds
// memory.
type VersionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

func NewVersionCache(client *redis.Client, ttl time.Duration) *VersionCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &VersionCache{client: client, prefix: "version:", ttl: ttl}
}

func (c *VersionCache) key(artifactID string, number int) string {
	return c.prefix + artifactID + ":" + strconv.Itoa(number)
}

// Get returns the version from Redis, or calls load on a miss and stores its
// result. Concurrent misses for the same version share one load. Redis
// failures degrade to calling load directly.
func (c *VersionCache) Get(ctx context.Context, artifactID string, number int, load func(context.Context) (store.Version, error)) (store.Version, error) {
	key := c.key(artifactID, number)
	ctx, span := tracer.Start(ctx, "cache.GetVersion", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if version, ok := c.lookup(ctx, key, span); ok {
		return version, nil
	}

	// The shared load outlives any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	result, err, shared := c.group.Do(key, func() (any, error) {
		version, err := load(loadCtx)
		if err != nil {
			return store.Version{}, err
		}
		c.Put(loadCtx, version)
		return version, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		return store.Version{}, err
	}
	return result.(store.Version), nil
}

func (c *VersionCache) lookup(ctx context.Context, key string, span trace.Span) (store.Version, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return store.Version{}, false
	}
	if err != nil {
		span.RecordError(err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return store.Version{}, false
	}

	var entry cachedVersion
	if err := json.Unmarshal(payload, &entry); err != nil {
		span.RecordError(err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return store.Version{}, false
	}
	content, err := store.DecodeContent(entry.Content)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return store.Version{}, false
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return store.Version{VersionHeader: entry.Header, Content: content}, true
}

// Put stores a committed version. Failures are recorded on the span only.
func (c *VersionCache) Put(ctx context.Context, version store.Version) {
	span := trace.SpanFromContext(ctx)
	content, err := version.Content.Canonical()
	if err != nil {
		span.RecordError(err)
		return
	}
	payload, err := json.Marshal(cachedVersion{Header: version.VersionHeader, Content: content})
	if err != nil {
		span.RecordError(err)
		return
	}
	if err := c.client.Set(ctx, c.key(version.ArtifactID, version.Number), payload, c.ttl).Err(); err != nil {
		span.RecordError(err)
	}
}

// cachedVersion keeps the canonical content bytes so a cache hit decodes
// exactly like a database read.
type cachedVersion struct {
	Header  store.VersionHeader `json:"header"`
	Content json.RawMessage     `json:"content"`
}

func (c *VersionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
