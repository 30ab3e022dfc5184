package cache_test

import (
	"context"
	"testing"
	"time"

	"flowspec/backend/internal/cache"
	"flowspec/backend/pkg/models"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, opts ...cache.Option) (*cache.SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewSnapshotCache(client, opts...), mr
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, cache.WithTTL(time.Hour))

	_, ok := c.Get(ctx, "v1")
	assert.False(t, ok)

	target := "b"
	v := &models.WorkflowVersion{
		ID:         "v1",
		WorkflowID: "w1",
		Version:    3,
		Snapshot: models.Snapshot{
			SchemaVersion: models.SnapshotSchemaVersion,
			Nodes:         []models.Node{{ID: "a", Name: "A", IsEntry: true}},
			Gates:         []models.Gate{{ID: "g", SourceNodeID: "a", OutcomeName: "DONE", TargetNodeID: &target}},
		},
	}
	c.Put(ctx, v)

	got, ok := c.Get(ctx, "v1")
	require.True(t, ok)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "b", *got.Snapshot.Gates[0].TargetNodeID)
	assert.Equal(t, time.Hour, mr.TTL("flowspec:version:v1"))

	mr.FastForward(2 * time.Hour)
	_, ok = c.Get(ctx, "v1")
	assert.False(t, ok)
}

func TestSnapshotCacheDropsGarbage(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, cache.WithPrefix("t:"))
	require.NoError(t, mr.Set("t:v1", "{not json"))

	_, ok := c.Get(ctx, "v1")
	assert.False(t, ok)
	assert.False(t, mr.Exists("t:v1"))
}

func TestSnapshotCacheDegradesWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)
	mr.Close()

	c.Put(ctx, &models.WorkflowVersion{ID: "v1"})
	_, ok := c.Get(ctx, "v1")
	assert.False(t, ok)
}
