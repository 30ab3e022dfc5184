// Package cache keeps published workflow versions in Redis. Versions are
// immutable, so entries are never invalidated, only expired.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowspec/backend/internal/logging"
	"flowspec/backend/pkg/models"

	backend "github.com/redis/go-redis/v9"
)

// SnapshotCache is a read-through cache of WorkflowVersion rows keyed by
// version id. Redis failures degrade to cache misses.
type SnapshotCache struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	log    *logging.Logger
}

type Option func(*SnapshotCache)

// WithTTL sets the expiration of cached versions. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *SnapshotCache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *SnapshotCache) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger used for Redis errors.
func WithLogger(l *logging.Logger) Option {
	return func(c *SnapshotCache) {
		c.log = l
	}
}

// NewSnapshotCache creates a cache over an existing client.
func NewSnapshotCache(client *backend.Client, opts ...Option) *SnapshotCache {
	c := &SnapshotCache{
		client: client,
		prefix: "flowspec:version:",
		log:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SnapshotCache) key(versionID string) string {
	return c.prefix + versionID
}

// Get returns the cached version, if any.
func (c *SnapshotCache) Get(ctx context.Context, versionID string) (*models.WorkflowVersion, bool) {
	val, err := c.client.Get(ctx, c.key(versionID)).Bytes()
	if err != nil {
		if !errors.Is(err, backend.Nil) {
			c.log.Warn("snapshot cache read failed", "version_id", versionID, "error", err)
		}
		return nil, false
	}

	var v models.WorkflowVersion
	if err := json.Unmarshal(val, &v); err != nil {
		c.log.Warn("dropping undecodable cached snapshot", "version_id", versionID, "error", err)
		c.client.Del(ctx, c.key(versionID))
		return nil, false
	}
	return &v, true
}

// Put stores a version.
func (c *SnapshotCache) Put(ctx context.Context, v *models.WorkflowVersion) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("failed to marshal snapshot", "version_id", v.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(v.ID), data, c.ttl).Err(); err != nil {
		c.log.Warn("snapshot cache write failed", "version_id", v.ID, "error", err)
	}
}
