package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/cache"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

func (s *Service) CreateIngredient(ctx context.Context, req domain.IngredientCreateRequest) (*domain.Ingredient, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.MinStock.IsNegative() {
		return nil, fmt.Errorf("%w: min_stock must not be negative", store.ErrValidation)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = xid.New("ing")
	}
	now := s.now()
	created, err := s.repo.CreateIngredient(ctx, domain.Ingredient{
		ID:        id,
		TenantID:  actor.TenantID,
		Name:      req.Name,
		BaseUnit:  req.BaseUnit,
		Stock:     decimal.Zero,
		MinStock:  req.MinStock,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, "ingredient.create", "ingredient", created.ID, created.Name)
	return created, nil
}

func (s *Service) ListIngredients(ctx context.Context, includeInactive bool) ([]domain.Ingredient, error) {
	actor, err := authorize(ctx, stockReaders)
	if err != nil {
		return nil, err
	}
	return s.repo.ListIngredients(ctx, actor.TenantID, !includeInactive)
}

// DeactivateIngredient hides an ingredient from new audits and listings.
// Its ledger and batches are kept.
func (s *Service) DeactivateIngredient(ctx context.Context, ingredientID string) (*domain.Ingredient, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}
	ing, err := s.repo.SetIngredientActive(ctx, actor.TenantID, ingredientID, false)
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, actor.TenantID, ingredientID)
	s.recordActivity(ctx, "ingredient.deactivate", "ingredient", ingredientID, ing.Name)
	return ing, nil
}

func (s *Service) StockLevel(ctx context.Context, ingredientID string) (*domain.StockLevel, error) {
	actor, err := authorize(ctx, stockReaders)
	if err != nil {
		return nil, err
	}

	key := cache.StockKey(actor.TenantID, ingredientID)
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":        "service",
			"tenant_id":     actor.TenantID,
			"ingredient_id": ingredientID,
		}).WithError(err).Warn("stock cache read failed")
	}

	ing, err := s.repo.GetIngredient(ctx, actor.TenantID, ingredientID)
	if err != nil {
		return nil, err
	}
	snaps, err := s.repo.SnapshotStock(ctx, actor.TenantID, []string{ingredientID})
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, ingredientID)
	}
	snap := snaps[0]

	level := &domain.StockLevel{
		IngredientID: ing.ID,
		Name:         ing.Name,
		BaseUnit:     ing.BaseUnit,
		Stock:        snap.Stock,
		MinStock:     ing.MinStock,
		UnitCost:     snap.UnitCost,
		BelowMinimum: ing.MinStock.IsPositive() && snap.Stock.LessThan(ing.MinStock),
		Sequence:     snap.Sequence,
	}
	if err := s.cache.Set(ctx, key, level, s.cacheTTL); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":        "service",
			"tenant_id":     actor.TenantID,
			"ingredient_id": ingredientID,
		}).WithError(err).Warn("stock cache write failed")
		return level, nil
	}

	// A movement that landed after the snapshot has already invalidated.
	if again, err := s.repo.SnapshotStock(ctx, actor.TenantID, []string{ingredientID}); err != nil || len(again) == 0 || again[0].Sequence != level.Sequence {
		s.invalidateStock(ctx, actor.TenantID, ingredientID)
	}
	return level, nil
}

func (s *Service) ListBatches(ctx context.Context, ingredientID string, includeExhausted bool) ([]domain.Batch, error) {
	actor, err := authorize(ctx, stockReaders)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetIngredient(ctx, actor.TenantID, ingredientID); err != nil {
		return nil, err
	}
	return s.repo.ListBatches(ctx, actor.TenantID, ingredientID, includeExhausted)
}

func (s *Service) ListMovements(ctx context.Context, ingredientID string, limit int) ([]domain.Movement, error) {
	actor, err := authorize(ctx, domain.ReviewerRoles)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetIngredient(ctx, actor.TenantID, ingredientID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMovements(ctx, actor.TenantID, ingredientID, limit)
}

func (s *Service) invalidateStock(ctx context.Context, tenantID string, ingredientID string) {
	if err := s.cache.Delete(ctx, cache.StockKey(tenantID, ingredientID)); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":        "service",
			"tenant_id":     tenantID,
			"ingredient_id": ingredientID,
		}).WithError(err).Warn("failed to invalidate stock cache")
	}
}
