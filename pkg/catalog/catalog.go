// Package catalog answers price and entitlement questions for gated resources.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/models"
)

// Source is the authoritative resource and grant lookup, normally the store.
type Source interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	UpsertResource(ctx context.Context, r *models.Resource) error
	HasGrant(ctx context.Context, resourceID, requester string) (bool, error)
}

// Cache holds resource rows in front of the Source. Implementations never fail;
// a broken cache behaves as an empty one.
type Cache interface {
	Get(ctx context.Context, id string) (*models.Resource, bool)
	Set(ctx context.Context, r *models.Resource)
	Invalidate(ctx context.Context, id string)
}

// Catalog is a read-through cache over the Source. Grants are never cached.
type Catalog struct {
	source Source
	cache  Cache
	logger logger.Logger
}

// New builds a catalog. A nil cache disables caching.
func New(source Source, cache Cache, log logger.Logger) *Catalog {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Catalog{source: source, cache: cache, logger: log}
}

// GetPriceInfo returns the resource's price row, or models.ErrNotFound.
func (c *Catalog) GetPriceInfo(ctx context.Context, resourceID string) (*models.Resource, error) {
	if c.cache != nil {
		if r, ok := c.cache.Get(ctx, resourceID); ok {
			return r, nil
		}
	}

	r, err := c.source.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("catalog: lookup %s: %w", resourceID, err)
	}

	if c.cache != nil {
		c.cache.Set(ctx, r)
	}
	return r, nil
}

// HasAccess reports whether requester holds an unexpired grant for the resource.
func (c *Catalog) HasAccess(ctx context.Context, resourceID, requester string) (bool, error) {
	ok, err := c.source.HasGrant(ctx, resourceID, requester)
	if err != nil {
		return false, fmt.Errorf("catalog: grant lookup: %w", err)
	}
	return ok, nil
}

// Put writes a resource to the source and drops any cached copy.
func (c *Catalog) Put(ctx context.Context, r *models.Resource) error {
	if r.ID == "" || r.Payee == "" || r.Price <= 0 {
		return fmt.Errorf("catalog: resource needs id, payee and a positive price")
	}
	if r.Asset == "" {
		r.Asset = models.AssetSTX
	}
	if err := c.source.UpsertResource(ctx, r); err != nil {
		return fmt.Errorf("catalog: store %s: %w", r.ID, err)
	}
	if c.cache != nil {
		c.cache.Invalidate(ctx, r.ID)
	}
	c.logger.InfoWith(logger.Gateway, "resource %s priced at %d %s", r.ID, r.Price, r.Asset)
	return nil
}
