package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
)

type StockCache interface {
	Get(ctx context.Context, key string) (*domain.StockLevel, bool, error)
	Set(ctx context.Context, key string, value *domain.StockLevel, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func StockKey(tenantID string, ingredientID string) string {
	return fmt.Sprintf("stock:%s:%s", tenantID, ingredientID)
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockLevel, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ *domain.StockLevel, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Delete(_ context.Context, _ string) error {
	return nil
}
