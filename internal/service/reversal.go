package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

// Revert undoes one ADJUST movement with an opposite REVERT movement that
// restores the batches it touched. A movement can be reverted only once.
func (s *Service) Revert(ctx context.Context, movementID string, reason string) (*domain.Movement, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if err := validateRequest(domain.RevertRequest{Reason: reason}); err != nil {
		return nil, err
	}

	orig, err := s.repo.GetMovement(ctx, actor.TenantID, movementID)
	if err != nil {
		return nil, err
	}
	if orig.Type != domain.MovementAdjust {
		return nil, fmt.Errorf("%w: %s movements cannot be reverted", store.ErrNotRevertible, orig.Type)
	}

	var result *store.MovementResult
	err = s.withIngredientLock(ctx, actor.TenantID, orig.IngredientID, "revert", func(ctx context.Context) error {
		res, err := s.repo.RevertMovement(ctx, store.RevertCommand{
			TenantID:   actor.TenantID,
			MovementID: movementID,
			Reason:     reason,
			UserID:     actor.Username,
			At:         s.now(),
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterMovement(ctx, result)

	s.recordActivity(ctx, "movement.revert", "movement", movementID, reason)
	mv := result.Movement
	return &mv, nil
}
