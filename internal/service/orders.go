package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/order"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

// TransitionOrder fires one lifecycle event. Confirming depletes stock;
// cancelling a depleted order restocks it with CANCEL_RESTOCK movements.
// An unknown order is created as pending when lines are supplied.
func (s *Service) TransitionOrder(ctx context.Context, req domain.OrderTransitionRequest) (*domain.OrderTransitionResponse, error) {
	actor, err := authorize(ctx, orderRoles)
	if err != nil {
		return nil, err
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	current, err := s.repo.GetOrder(ctx, actor.TenantID, req.OrderID)
	if errors.Is(err, store.ErrNotFound) && len(req.Lines) > 0 {
		current, err = s.repo.CreateOrder(ctx, domain.OrderRecord{
			ID:        req.OrderID,
			TenantID:  actor.TenantID,
			State:     domain.OrderPending,
			Lines:     req.Lines,
			CreatedAt: s.now(),
		})
	}
	if err != nil {
		return nil, err
	}

	t, err := order.Next(current.State, current.PreviousState, req.Event, actor.Role)
	if err != nil {
		if errors.Is(err, order.ErrRoleNotAllowed) {
			return nil, fmt.Errorf("%w: %v", store.ErrForbidden, err)
		}
		return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}

	updated := *current
	resp := &domain.OrderTransitionResponse{}

	switch t.Effect {
	case order.EffectDeplete:
		report, err := s.applyOrder(ctx, actor, domain.Order{ID: current.ID, Lines: current.Lines})
		if err != nil {
			return nil, err
		}
		resp.Depletion = report
		updated.Depleted = true
	case order.EffectRestock:
		if current.Depleted && !current.Restocked {
			restocked, err := s.restockOrder(ctx, actor, current.ID)
			resp.Restocked = restocked
			if err != nil {
				return nil, err
			}
			updated.Restocked = true
		}
	}

	if t.To == domain.OrderCancellationPending {
		updated.PreviousState = current.State
	} else {
		updated.PreviousState = ""
	}
	updated.State = t.To
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateOrder(ctx, updated, current.State)
	if err != nil {
		return nil, err
	}
	resp.Order = *saved

	s.recordActivity(ctx, "order."+string(req.Event), "order", current.ID, fmt.Sprintf("%s -> %s", current.State, t.To))
	return resp, nil
}

// restockOrder skips restocks already written.
func (s *Service) restockOrder(ctx context.Context, actor domain.Actor, orderID string) ([]domain.Movement, error) {
	sales, err := s.repo.ListMovementsByReference(ctx, actor.TenantID, orderID, domain.MovementSaleDepletion)
	if err != nil {
		return nil, err
	}

	restocked := make([]domain.Movement, 0, len(sales))
	var errs []error
	for _, sale := range sales {
		res, err := s.appendMovement(ctx, store.MovementCommand{
			TenantID:     actor.TenantID,
			IngredientID: sale.IngredientID,
			Type:         domain.MovementCancelRestock,
			Quantity:     sale.Quantity.Neg(),
			UnitCost:     sale.UnitCost,
			ReferenceID:  orderID,
			UnitsSold:    sale.UnitsSold,
			Reason:       "order cancelled",
			UserID:       actor.Username,
			At:           s.now(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restock %s: %w", sale.IngredientID, err))
			continue
		}
		restocked = append(restocked, res.Movement)
	}
	if err := errors.Join(errs...); err != nil {
		return restocked, err
	}

	s.publish(ctx, events.Event{
		Type:     events.TypeOrderRestocked,
		TenantID: actor.TenantID,
		Payload: map[string]any{
			"order_id":  orderID,
			"movements": len(restocked),
		},
	})
	return restocked, nil
}
