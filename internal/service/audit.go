package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/reconcile"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

const flashAuditSize = 10

// ErrCountNotSaved is the only failure a counting employee sees.
var ErrCountNotSaved = errors.New("could not save count, retry")

// StartAuditSession selects the target ingredients and snapshots their
// theoretical stock. The returned view is blind.
func (s *Service) StartAuditSession(ctx context.Context, req domain.AuditStartRequest) (*domain.AuditSessionView, error) {
	actor, err := authorize(ctx, domain.ReviewerRoles)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	active, err := s.repo.ListIngredients(ctx, actor.TenantID, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Ingredient, len(active))
	activeIDs := make([]string, 0, len(active))
	for _, ing := range active {
		byID[ing.ID] = ing
		activeIDs = append(activeIDs, ing.ID)
	}

	var targets []string
	switch req.Mode {
	case domain.AuditModeFull:
		targets = activeIDs
	case domain.AuditModeCustom:
		targets, err = s.customTargets(ctx, actor.TenantID, req.IngredientIDs, byID)
		if err != nil {
			return nil, err
		}
	case domain.AuditModeFlashTop10:
		snaps, err := s.repo.SnapshotStock(ctx, actor.TenantID, activeIDs)
		if err != nil {
			return nil, err
		}
		exposures := make([]reconcile.Exposure, 0, len(snaps))
		for _, snap := range snaps {
			exposures = append(exposures, reconcile.Exposure{IngredientID: snap.IngredientID, Stock: snap.Stock, UnitCost: snap.UnitCost})
		}
		for _, e := range reconcile.TopExposure(exposures, flashAuditSize) {
			targets = append(targets, e.IngredientID)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no ingredients to audit", store.ErrValidation)
	}

	snaps, err := s.repo.SnapshotStock(ctx, actor.TenantID, targets)
	if err != nil {
		return nil, err
	}
	details := make([]domain.AuditDetail, 0, len(snaps))
	for _, snap := range snaps {
		details = append(details, domain.AuditDetail{
			TenantID:            actor.TenantID,
			IngredientID:        snap.IngredientID,
			SnapshotTheoretical: snap.Stock,
			SnapshotSequence:    snap.Sequence,
		})
	}

	session, err := s.repo.CreateAuditSession(ctx, domain.AuditSession{
		ID:            xid.New("audit"),
		TenantID:      actor.TenantID,
		Mode:          req.Mode,
		IngredientIDs: targets,
		Status:        domain.AuditStatusOpen,
		Notes:         strings.TrimSpace(req.Notes),
		StartedAt:     s.now(),
		StartedBy:     actor.Username,
	}, details)
	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, "audit.start", "audit_session", session.ID, fmt.Sprintf("%s, %d ingredients", session.Mode, len(targets)))
	return s.sessionView(ctx, session, details, byID)
}

func (s *Service) customTargets(ctx context.Context, tenantID string, ids []string, known map[string]domain.Ingredient) ([]string, error) {
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(targets, id) {
			continue
		}
		if _, ok := known[id]; !ok {
			ing, err := s.repo.GetIngredient(ctx, tenantID, id)
			if err != nil {
				return nil, err
			}
			known[id] = *ing
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: CUSTOM audits need ingredient_ids", store.ErrValidation)
	}
	return targets, nil
}

func (s *Service) GetAuditSession(ctx context.Context, sessionID string) (*domain.AuditSessionView, error) {
	actor, err := authorize(ctx, nil)
	if err != nil {
		return nil, err
	}
	session, details, err := s.repo.GetAuditSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sessionView(ctx, session, details, nil)
}

func (s *Service) sessionView(ctx context.Context, session *domain.AuditSession, details []domain.AuditDetail, known map[string]domain.Ingredient) (*domain.AuditSessionView, error) {
	counted := make(map[string]bool, len(details))
	for _, d := range details {
		counted[d.IngredientID] = d.Counted()
	}

	view := &domain.AuditSessionView{
		ID:        session.ID,
		Mode:      session.Mode,
		Status:    session.Status,
		Targets:   make([]domain.AuditTarget, 0, len(session.IngredientIDs)),
		StartedAt: session.StartedAt,
		StartedBy: session.StartedBy,
	}
	for _, id := range session.IngredientIDs {
		ing, ok := known[id]
		if !ok {
			found, err := s.repo.GetIngredient(ctx, session.TenantID, id)
			if err != nil {
				return nil, err
			}
			ing = *found
		}
		view.Targets = append(view.Targets, domain.AuditTarget{
			IngredientID: id,
			Name:         ing.Name,
			BaseUnit:     ing.BaseUnit,
			Counted:      counted[id],
		})
	}
	return view, nil
}

// SubmitCount records a physical count. The expected stock is the snapshot
// moved forward by every ledger movement up to the count, so sales during
// the session do not show up as shrinkage.
func (s *Service) SubmitCount(ctx context.Context, sessionID string, req domain.CountSubmission) (*domain.CountReceipt, error) {
	actor, err := authorize(ctx, countRoles)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.PhysicalCount.IsNegative() {
		return nil, fmt.Errorf("%w: physical_count must not be negative", store.ErrValidation)
	}

	receipt, err := s.submitCount(ctx, actor, sessionID, req)
	if err == nil {
		return receipt, nil
	}
	if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrSessionAlreadyClosed) {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":        "audit",
		"tenant_id":     actor.TenantID,
		"session_id":    sessionID,
		"ingredient_id": req.IngredientID,
	}).WithError(err).Error("failed to save audit count")
	return nil, ErrCountNotSaved
}

func (s *Service) submitCount(ctx context.Context, actor domain.Actor, sessionID string, req domain.CountSubmission) (*domain.CountReceipt, error) {
	session, details, err := s.repo.GetAuditSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.AuditStatusOpen {
		return nil, store.ErrSessionAlreadyClosed
	}
	idx := slices.IndexFunc(details, func(d domain.AuditDetail) bool { return d.IngredientID == req.IngredientID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: ingredient is not part of this audit", store.ErrNotFound)
	}
	detail := details[idx]

	snaps, err := s.repo.SnapshotStock(ctx, actor.TenantID, []string{req.IngredientID})
	if err != nil {
		return nil, err
	}
	countSeq := snaps[0].Sequence
	totals, err := s.repo.MovementTotals(ctx, actor.TenantID, req.IngredientID, detail.SnapshotSequence, countSeq)
	if err != nil {
		return nil, err
	}

	physical := req.PhysicalCount
	expected := reconcile.ExpectedAtCount(detail.SnapshotTheoretical, totals.Net)
	countedAt := s.now()

	detail.PhysicalCount = &physical
	detail.CountSequence = countSeq
	detail.ExpectedAtCount = &expected
	detail.PeriodPurchases = totals.Purchases
	detail.UnitsSold = totals.UnitsSold
	detail.DeviationPercent = nil
	detail.RealGrammage = nil
	if dev, ok := reconcile.DeviationPercent(physical, expected); ok {
		detail.DeviationPercent = &dev
	}
	if grammage, ok := reconcile.RealGrammage(detail.SnapshotTheoretical, totals.Purchases, physical, totals.UnitsSold); ok {
		detail.RealGrammage = &grammage
	}
	detail.CountedAt = &countedAt
	detail.CountedBy = actor.Username

	if err := s.repo.SaveAuditCount(ctx, detail); err != nil {
		return nil, err
	}
	if detail.DeviationPercent != nil {
		s.metrics.Deviation(detail.DeviationPercent.InexactFloat64())
	}

	s.recordActivity(ctx, "audit.count", "audit_session", sessionID, req.IngredientID)
	return &domain.CountReceipt{
		SessionID:    sessionID,
		IngredientID: req.IngredientID,
		Recorded:     true,
		CountedAt:    countedAt,
	}, nil
}

func (s *Service) ReviewAuditSession(ctx context.Context, sessionID string) (*domain.AuditReview, error) {
	actor, err := authorize(ctx, domain.ReviewerRoles)
	if err != nil {
		return nil, err
	}
	session, details, err := s.repo.GetAuditSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.AuditReview{Session: *session, Details: details}, nil
}

// CloseAuditSession closes the session once and writes one ADJUST per counted
// ingredient that deviates from its expected stock. Adjustment failures are
// reported with the result; the session stays closed.
func (s *Service) CloseAuditSession(ctx context.Context, sessionID string) (*domain.AuditCloseResult, error) {
	actor, err := authorize(ctx, domain.ReviewerRoles)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.metrics.Since("close_audit", start)

	closedAt := s.now()
	session, err := s.repo.CloseAuditSession(ctx, actor.TenantID, sessionID, actor.Username, closedAt)
	if err != nil {
		return nil, err
	}
	_, details, err := s.repo.GetAuditSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return nil, err
	}

	result := &domain.AuditCloseResult{
		SessionID:   session.ID,
		ClosedAt:    closedAt,
		Adjustments: make([]domain.Movement, 0),
	}
	var errs []error
	for i, d := range details {
		if !d.Counted() {
			result.Uncounted = append(result.Uncounted, d.IngredientID)
			continue
		}

		if d.DeviationPercent != nil && reconcile.ExceedsThreshold(*d.DeviationPercent, s.threshold) {
			s.publish(ctx, events.Event{
				Type:     events.TypeAuditDeviation,
				TenantID: actor.TenantID,
				Payload: map[string]any{
					"session_id":        session.ID,
					"ingredient_id":     d.IngredientID,
					"deviation_percent": d.DeviationPercent.String(),
				},
			})
		}

		res, err := s.closeAdjustment(ctx, actor, session.ID, d, closedAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("adjust %s: %w", d.IngredientID, err))
			result.Failures = append(result.Failures, d.IngredientID+": "+err.Error())
			continue
		}
		if res == nil {
			continue
		}
		if err := s.repo.SetAuditAdjustment(ctx, actor.TenantID, session.ID, d.IngredientID, res.Movement.ID); err != nil {
			errs = append(errs, fmt.Errorf("link adjustment %s: %w", d.IngredientID, err))
		}
		details[i].AdjustmentMovementID = res.Movement.ID
		result.Adjustments = append(result.Adjustments, res.Movement)
	}
	result.Details = details

	s.publish(ctx, events.Event{
		Type:     events.TypeAuditClosed,
		TenantID: actor.TenantID,
		Payload: map[string]any{
			"session_id":  session.ID,
			"adjustments": len(result.Adjustments),
			"uncounted":   len(result.Uncounted),
		},
	})
	s.recordActivity(ctx, "audit.close", "audit_session", session.ID, fmt.Sprintf("%d adjustments", len(result.Adjustments)))
	return result, errors.Join(errs...)
}

// closeAdjustment rebases the delta on corrections written since the count.
func (s *Service) closeAdjustment(ctx context.Context, actor domain.Actor, sessionID string, d domain.AuditDetail, at time.Time) (*store.MovementResult, error) {
	var result *store.MovementResult
	err := s.withIngredientLock(ctx, actor.TenantID, d.IngredientID, string(domain.MovementAdjust), func(ctx context.Context) error {
		snaps, err := s.repo.SnapshotStock(ctx, actor.TenantID, []string{d.IngredientID})
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return store.ErrNotFound
		}
		totals, err := s.repo.MovementTotals(ctx, actor.TenantID, d.IngredientID, d.CountSequence, snaps[0].Sequence)
		if err != nil {
			return err
		}
		adjustment := reconcile.RebasedAdjustment(*d.PhysicalCount, *d.ExpectedAtCount, totals.Corrections)
		if adjustment.IsZero() {
			return nil
		}
		res, err := s.repo.AppendMovement(ctx, store.MovementCommand{
			TenantID:     actor.TenantID,
			IngredientID: d.IngredientID,
			Type:         domain.MovementAdjust,
			Quantity:     adjustment,
			ReferenceID:  sessionID,
			Reason:       "audit " + sessionID,
			UserID:       actor.Username,
			At:           at,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil || result == nil {
		return nil, err
	}
	s.afterMovement(ctx, result)
	return result, nil
}

func (s *Service) AuditHistory(ctx context.Context, ingredientID string, limit int) ([]domain.AuditDetail, error) {
	actor, err := authorize(ctx, domain.ReviewerRoles)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListAuditHistory(ctx, actor.TenantID, strings.TrimSpace(ingredientID), limit)
}
