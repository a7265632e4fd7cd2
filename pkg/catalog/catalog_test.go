package catalog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/models"
)

type fakeSource struct {
	resources map[string]*models.Resource
	grants    map[string]bool
	lookups   int
	err       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{resources: map[string]*models.Resource{}, grants: map[string]bool{}}
}

func (f *fakeSource) GetResource(_ context.Context, id string) (*models.Resource, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.resources[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeSource) UpsertResource(_ context.Context, r *models.Resource) error {
	cp := *r
	f.resources[r.ID] = &cp
	return nil
}

func (f *fakeSource) HasGrant(_ context.Context, resourceID, requester string) (bool, error) {
	return f.grants[resourceID+"/"+requester], nil
}

func TestCatalogGetPriceInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("caches hits from the source", func(t *testing.T) {
		src := newFakeSource()
		src.resources["article-1"] = &models.Resource{ID: "article-1", Price: 1000, Asset: models.AssetSTX, Payee: "SP1"}
		c := New(src, NewMemoryCache(time.Minute), &logger.EmptyLogger{})

		for i := 0; i < 3; i++ {
			r, err := c.GetPriceInfo(ctx, "article-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1000), r.Price)
		}
		assert.Equal(t, 1, src.lookups)
	})

	t.Run("not found is not wrapped", func(t *testing.T) {
		c := New(newFakeSource(), NewMemoryCache(time.Minute), nil)
		_, err := c.GetPriceInfo(ctx, "missing")
		assert.Equal(t, models.ErrNotFound, err)
	})

	t.Run("source errors are wrapped", func(t *testing.T) {
		src := newFakeSource()
		src.err = errors.New("connection refused")
		c := New(src, nil, nil)
		_, err := c.GetPriceInfo(ctx, "article-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.False(t, errors.Is(err, models.ErrNotFound))
	})

	t.Run("put invalidates the cached copy", func(t *testing.T) {
		src := newFakeSource()
		c := New(src, NewMemoryCache(time.Minute), nil)

		require.NoError(t, c.Put(ctx, &models.Resource{ID: "article-1", Price: 1000, Payee: "SP1"}))
		r, err := c.GetPriceInfo(ctx, "article-1")
		require.NoError(t, err)
		assert.Equal(t, models.AssetSTX, r.Asset)

		require.NoError(t, c.Put(ctx, &models.Resource{ID: "article-1", Price: 2500, Payee: "SP1"}))
		r, err = c.GetPriceInfo(ctx, "article-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2500), r.Price)
	})

	t.Run("put validates", func(t *testing.T) {
		c := New(newFakeSource(), nil, nil)
		assert.Error(t, c.Put(ctx, &models.Resource{ID: "x", Price: 0, Payee: "SP1"}))
		assert.Error(t, c.Put(ctx, &models.Resource{ID: "x", Price: 10}))
	})
}

func TestCatalogHasAccess(t *testing.T) {
	src := newFakeSource()
	src.grants["article-1/SP1"] = true
	c := New(src, nil, nil)

	ok, err := c.HasAccess(context.Background(), "article-1", "SP1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasAccess(context.Background(), "article-1", "SP2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("PAYGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAYGATE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ctx, addr, os.Getenv("PAYGATE_TEST_REDIS_PASSWORD"), 14)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client, time.Minute, &logger.EmptyLogger{})
	cache.prefix = "paygate:test:" + uuid.NewString() + ":"

	_, found := cache.Get(ctx, "article-1")
	assert.False(t, found)

	cache.Set(ctx, &models.Resource{ID: "article-1", Title: "Article", Price: 1000, Asset: models.AssetSBTC, Payee: "SP1"})
	r, found := cache.Get(ctx, "article-1")
	require.True(t, found)
	assert.Equal(t, "Article", r.Title)
	assert.Equal(t, models.AssetSBTC, r.Asset)

	ttl, err := client.TTL(ctx, cache.key("article-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	cache.Invalidate(ctx, "article-1")
	_, found = cache.Get(ctx, "article-1")
	assert.False(t, found)
}
