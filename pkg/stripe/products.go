package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// ProductGetter fetches products from the processor
type ProductGetter interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
}

// ProductNames resolves product ids to display names with a bounded TTL cache.
// Concurrent misses for the same id share one request.
type ProductNames struct {
	getter  ProductGetter
	cache   *expirable.LRU[string, string]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewProductNames creates a product name cache
func NewProductNames(getter ProductGetter, size int, ttl time.Duration, metrics *observability.Metrics) *ProductNames {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProductNames{
		getter:  getter,
		cache:   expirable.NewLRU[string, string](size, nil, ttl),
		metrics: metrics,
	}
}

// ProductName returns the display name of a product
func (p *ProductNames) ProductName(ctx context.Context, productID string) (string, error) {
	if name, ok := p.cache.Get(productID); ok {
		p.metrics.RecordProductLookup(true)
		return name, nil
	}
	p.metrics.RecordProductLookup(false)

	v, err, _ := p.group.Do(productID, func() (interface{}, error) {
		product, err := p.getter.GetProduct(ctx, productID)
		if err != nil {
			return "", err
		}
		p.cache.Add(productID, product.Name)
		return product.Name, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get product %s: %w", productID, err)
	}
	return v.(string), nil
}

// Purge drops every cached name
func (p *ProductNames) Purge() {
	p.cache.Purge()
}
