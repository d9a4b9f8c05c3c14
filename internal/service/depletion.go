package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

type ingredientDemand struct {
	ingredientID string
	quantity     decimal.Decimal
	unitsSold    int64
}

// ApplyOrder depletes every ingredient an order consumes. Each ingredient is
// an independent movement: a failure on one is reported and does not undo
// the others. Applying the same order id again is a no-op.
func (s *Service) ApplyOrder(ctx context.Context, order domain.Order) (*domain.OrderDepletionReport, error) {
	actor, err := authorize(ctx, orderRoles)
	if err != nil {
		return nil, err
	}
	return s.applyOrder(ctx, actor, order)
}

func (s *Service) applyOrder(ctx context.Context, actor domain.Actor, order domain.Order) (*domain.OrderDepletionReport, error) {
	start := time.Now()
	defer s.metrics.Since("apply_order", start)

	order.ID = strings.TrimSpace(order.ID)
	if err := validateRequest(order); err != nil {
		return nil, err
	}

	report := &domain.OrderDepletionReport{
		OrderID:     order.ID,
		Depletions:  make([]domain.DepletionResult, 0),
		ProcessedAt: s.now(),
	}

	demand, skipped, err := s.aggregateDemand(actor.TenantID, order.Lines)
	if err != nil {
		return nil, err
	}
	report.SkippedLines = skipped

	claimed, err := s.repo.ClaimOrder(ctx, actor.TenantID, order.ID, report.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if !claimed {
		report.Duplicate = true
		return report, nil
	}

	for _, d := range demand {
		res, err := s.appendMovement(ctx, store.MovementCommand{
			TenantID:     actor.TenantID,
			IngredientID: d.ingredientID,
			Type:         domain.MovementSaleDepletion,
			Quantity:     d.quantity.Neg(),
			ReferenceID:  order.ID,
			UnitsSold:    d.unitsSold,
			UserID:       actor.Username,
			At:           report.ProcessedAt,
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			s.depletionFailed(ctx, actor.TenantID, order.ID, d, err)
			report.Failures = append(report.Failures, domain.DepletionFailure{
				IngredientID: d.ingredientID,
				Quantity:     d.quantity,
				Error:        err.Error(),
			})
			continue
		}
		report.Depletions = append(report.Depletions, depletionResult(res.Movement))
	}

	s.recordActivity(ctx, "order.apply", "order", order.ID,
		fmt.Sprintf("%d depleted, %d failed, %d skipped", len(report.Depletions), len(report.Failures), len(report.SkippedLines)))
	return report, nil
}

// aggregateDemand resolves every line before anything is written, so an
// unresolvable line fails the whole order without side effects.
func (s *Service) aggregateDemand(tenantID string, lines []domain.OrderLine) ([]ingredientDemand, []string, error) {
	var skipped []string
	index := make(map[string]int)
	demand := make([]ingredientDemand, 0)

	for _, line := range lines {
		reqs, err := s.resolver.Resolve(tenantID, line, false)
		if err != nil {
			return nil, nil, err
		}
		if len(reqs) == 0 {
			skipped = append(skipped, line.ProductID)
			continue
		}
		for _, r := range reqs {
			i, ok := index[r.IngredientID]
			if !ok {
				index[r.IngredientID] = len(demand)
				demand = append(demand, ingredientDemand{ingredientID: r.IngredientID, quantity: r.Quantity, unitsSold: int64(line.Quantity)})
				continue
			}
			demand[i].quantity = demand[i].quantity.Add(r.Quantity)
			demand[i].unitsSold += int64(line.Quantity)
		}
	}
	return demand, skipped, nil
}

func (s *Service) depletionFailed(ctx context.Context, tenantID string, orderID string, d ingredientDemand, err error) {
	s.metrics.DepletionFailure()
	s.logger.WithFields(logrus.Fields{
		"module":        "depletion",
		"tenant_id":     tenantID,
		"order_id":      orderID,
		"ingredient_id": d.ingredientID,
		"quantity":      d.quantity.String(),
	}).WithError(err).Error("ingredient depletion failed")
	s.publish(ctx, events.Event{
		Type:     events.TypeDepletionFailed,
		TenantID: tenantID,
		Payload: map[string]any{
			"order_id":      orderID,
			"ingredient_id": d.ingredientID,
			"quantity":      d.quantity.String(),
			"error":         err.Error(),
		},
	})
}
