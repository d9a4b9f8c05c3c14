package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (*domain.BatchReceiveResponse, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}
	req.IngredientID = strings.TrimSpace(req.IngredientID)
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := positive("quantity", req.Quantity); err != nil {
		return nil, err
	}
	if req.UnitCost.IsNegative() {
		return nil, fmt.Errorf("%w: unit_cost must not be negative", store.ErrValidation)
	}

	ing, err := s.repo.GetIngredient(ctx, actor.TenantID, req.IngredientID)
	if err != nil {
		return nil, err
	}
	if !ing.Active {
		return nil, fmt.Errorf("%w: ingredient %s is inactive", store.ErrValidation, ing.ID)
	}

	now := s.now()
	acquiredAt := now
	if req.AcquiredAt != nil {
		acquiredAt = req.AcquiredAt.UTC()
	}

	res, err := s.appendMovement(ctx, store.MovementCommand{
		TenantID:     actor.TenantID,
		IngredientID: ing.ID,
		Type:         domain.MovementPurchase,
		Quantity:     req.Quantity,
		UnitCost:     req.UnitCost,
		Supplier:     strings.TrimSpace(req.Supplier),
		AcquiredAt:   acquiredAt,
		UserID:       actor.Username,
		At:           now,
	})
	if err != nil {
		return nil, err
	}

	out := &domain.BatchReceiveResponse{Movement: res.Movement}
	if res.Batch != nil {
		out.Batch = *res.Batch
	}
	s.recordActivity(ctx, "batch.receive", "ingredient", ing.ID, fmt.Sprintf("%s %s at %s", req.Quantity, ing.BaseUnit, req.UnitCost))
	return out, nil
}

// DepleteFIFO consumes stock oldest batch first. Running past the available
// stock is allowed: the shortfall is flagged and priced at the latest cost.
func (s *Service) DepleteFIFO(ctx context.Context, req domain.DepleteRequest) (*domain.DepletionResult, error) {
	actor, err := authorize(ctx, orderRoles)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := positive("quantity", req.Quantity); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetIngredient(ctx, actor.TenantID, req.IngredientID); err != nil {
		return nil, err
	}

	res, err := s.appendMovement(ctx, store.MovementCommand{
		TenantID:     actor.TenantID,
		IngredientID: req.IngredientID,
		Type:         domain.MovementSaleDepletion,
		Quantity:     req.Quantity.Neg(),
		ReferenceID:  strings.TrimSpace(req.ReferenceID),
		Reason:       req.Reason,
		UserID:       actor.Username,
		At:           s.now(),
	})
	if err != nil {
		return nil, err
	}
	result := depletionResult(res.Movement)
	return &result, nil
}

func depletionResult(mv domain.Movement) domain.DepletionResult {
	return domain.DepletionResult{
		IngredientID:   mv.IngredientID,
		Quantity:       mv.Quantity.Neg(),
		ConsumedCost:   mv.TotalCost.Neg(),
		BatchesTouched: mv.Allocations,
		Shortfall:      mv.Shortfall.IsPositive(),
		ShortfallQty:   mv.Shortfall,
		BalanceAfter:   mv.BalanceAfter,
		MovementID:     mv.ID,
	}
}
