package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/recipe"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store/memory"
)

const tenantA = "casa-cesar"

type fixture struct {
	svc     *Service
	repo    *memory.Store
	events  *events.Recorder
	catalog *recipe.StaticCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test swap dependencies before the service is built.
func newFixtureWith(t *testing.T, customize func(*Dependencies)) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := memory.New()
	catalog := recipe.NewStaticCatalog()
	rec := &events.Recorder{}
	deps := Dependencies{
		Repo:    repo,
		Catalog: catalog,
		Events:  rec,
		Logger:  logger,
	}
	if customize != nil {
		customize(&deps)
	}
	svc := New(deps, Options{LockRetryLimit: 2, DeviationAlertPercent: decimal.NewFromInt(5)})

	return &fixture{svc: svc, repo: repo, events: rec, catalog: catalog}
}

func as(role string, tenantID string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: role + "-user", Role: role, TenantID: tenantID})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (f *fixture) ingredient(t *testing.T, id string, name string) {
	t.Helper()
	if _, err := f.svc.CreateIngredient(as(domain.RoleAdmin, tenantA), domain.IngredientCreateRequest{
		ID:       id,
		Name:     name,
		BaseUnit: domain.UnitGram,
	}); err != nil {
		t.Fatalf("create ingredient %s: %v", id, err)
	}
}

func (f *fixture) receive(t *testing.T, id string, qty string, cost string) {
	t.Helper()
	if _, err := f.svc.ReceiveBatch(as(domain.RoleManager, tenantA), domain.BatchReceiveRequest{
		IngredientID: id,
		Quantity:     dec(qty),
		UnitCost:     dec(cost),
	}); err != nil {
		t.Fatalf("receive %s: %v", id, err)
	}
}

func (f *fixture) burgerCatalog(t *testing.T) {
	t.Helper()
	_, err := f.svc.ReplaceCatalog(as(domain.RoleAdmin, tenantA), recipe.Document{
		Products: []recipe.ProductSpec{
			{ID: "burger", Name: "Hamburguesa", Recipe: []recipe.Item{{IngredientID: "beef", Quantity: dec("150")}}},
			{ID: "classic", Name: "Clasica", Recipe: []recipe.Item{
				{IngredientID: "beef", Quantity: dec("150")},
				{IngredientID: "onion", Quantity: dec("20")},
			}},
			{ID: "soda", Name: "Gaseosa", DirectIngredientID: "soda-can"},
			{ID: "napkin", Name: "Servilleta"},
		},
		Modifiers: []recipe.ModifierSpec{
			{ID: "no-onion", Name: "Sin cebolla", Exclusion: "onion"},
			{ID: "extra-beef", Name: "Carne extra", Addition: []recipe.Item{{IngredientID: "beef", Quantity: dec("150")}}},
		},
	})
	if err != nil {
		t.Fatalf("replace catalog: %v", err)
	}
}

func (f *fixture) stock(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	level, err := f.svc.StockLevel(as(domain.RoleManager, tenantA), id)
	if err != nil {
		t.Fatalf("stock level %s: %v", id, err)
	}
	return level.Stock
}

func TestGroundBeefAuditRevealsOverPortioning(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "10000", "0.02")
	f.burgerCatalog(t)

	view, err := f.svc.StartAuditSession(as(domain.RoleAuditor, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFlashTop10})
	if err != nil {
		t.Fatalf("start audit: %v", err)
	}
	if len(view.Targets) != 1 || view.Targets[0].IngredientID != "beef" {
		t.Fatalf("expected beef as the only target, got %+v", view.Targets)
	}

	report, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), domain.Order{
		ID:    "order-50",
		Lines: []domain.OrderLine{{ProductID: "burger", Quantity: 50}},
	})
	if err != nil {
		t.Fatalf("apply order: %v", err)
	}
	if len(report.Depletions) != 1 || !report.Depletions[0].Quantity.Equal(dec("7500")) {
		t.Fatalf("expected 7500g beef depletion, got %+v", report.Depletions)
	}
	if !report.Depletions[0].ConsumedCost.Equal(dec("150")) {
		t.Fatalf("expected FIFO cost 150, got %s", report.Depletions[0].ConsumedCost)
	}

	if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), view.ID, domain.CountSubmission{
		IngredientID:  "beef",
		PhysicalCount: dec("2200"),
	}); err != nil {
		t.Fatalf("submit count: %v", err)
	}

	review, err := f.svc.ReviewAuditSession(as(domain.RoleAuditor, tenantA), view.ID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	d := review.Details[0]
	if !d.SnapshotTheoretical.Equal(dec("10000")) || !d.ExpectedAtCount.Equal(dec("2500")) {
		t.Fatalf("unexpected snapshot %s / expected %s", d.SnapshotTheoretical, d.ExpectedAtCount)
	}
	if !d.DeviationPercent.Equal(dec("-12")) {
		t.Fatalf("expected -12%% deviation, got %s", d.DeviationPercent)
	}
	if d.UnitsSold != 50 || !d.RealGrammage.Equal(dec("156")) {
		t.Fatalf("expected 156 g/unit over 50 units, got %s over %d", d.RealGrammage, d.UnitsSold)
	}

	closed, err := f.svc.CloseAuditSession(as(domain.RoleManager, tenantA), view.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed.Adjustments) != 1 || !closed.Adjustments[0].Quantity.Equal(dec("-300")) {
		t.Fatalf("expected one -300 adjustment, got %+v", closed.Adjustments)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("2200")) {
		t.Fatalf("expected stock 2200 after close, got %s", got)
	}
	if len(f.events.OfType(events.TypeAuditDeviation)) != 1 {
		t.Fatalf("expected an audit.deviation event")
	}
	if len(f.events.OfType(events.TypeAuditClosed)) != 1 {
		t.Fatalf("expected an audit.closed event")
	}

	history, err := f.svc.AuditHistory(as(domain.RoleAdmin, tenantA), "beef", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].AdjustmentMovementID != closed.Adjustments[0].ID {
		t.Fatalf("expected history row linked to the adjustment, got %+v", history)
	}
}

func TestOverlappingAuditsAdjustOnce(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	full, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start full: %v", err)
	}
	spot, err := f.svc.StartAuditSession(as(domain.RoleAuditor, tenantA), domain.AuditStartRequest{
		Mode:          domain.AuditModeCustom,
		IngredientIDs: []string{"beef"},
	})
	if err != nil {
		t.Fatalf("start custom: %v", err)
	}
	for _, id := range []string{full.ID, spot.ID} {
		if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), id, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("900")}); err != nil {
			t.Fatalf("count in %s: %v", id, err)
		}
	}

	first, err := f.svc.CloseAuditSession(as(domain.RoleManager, tenantA), full.ID)
	if err != nil {
		t.Fatalf("close full: %v", err)
	}
	if len(first.Adjustments) != 1 || !first.Adjustments[0].Quantity.Equal(dec("-100")) {
		t.Fatalf("expected one -100 adjustment, got %+v", first.Adjustments)
	}

	second, err := f.svc.CloseAuditSession(as(domain.RoleManager, tenantA), spot.ID)
	if err != nil {
		t.Fatalf("close custom: %v", err)
	}
	if len(second.Adjustments) != 0 {
		t.Fatalf("expected the second session to find nothing left to adjust, got %+v", second.Adjustments)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("900")) {
		t.Fatalf("expected stock 900 after both closes, got %s", got)
	}
}

func TestOverlappingAuditAppliesOnlyItsOwnDifference(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	full, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start full: %v", err)
	}
	spot, err := f.svc.StartAuditSession(as(domain.RoleAuditor, tenantA), domain.AuditStartRequest{
		Mode:          domain.AuditModeCustom,
		IngredientIDs: []string{"beef"},
	})
	if err != nil {
		t.Fatalf("start custom: %v", err)
	}
	if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), full.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("900")}); err != nil {
		t.Fatalf("count full: %v", err)
	}
	if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), spot.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("880")}); err != nil {
		t.Fatalf("count custom: %v", err)
	}
	if _, err := f.svc.DepleteFIFO(as(domain.RoleStaff, tenantA), domain.DepleteRequest{IngredientID: "beef", Quantity: dec("50")}); err != nil {
		t.Fatalf("deplete: %v", err)
	}

	if _, err := f.svc.CloseAuditSession(as(domain.RoleManager, tenantA), full.ID); err != nil {
		t.Fatalf("close full: %v", err)
	}
	second, err := f.svc.CloseAuditSession(as(domain.RoleManager, tenantA), spot.ID)
	if err != nil {
		t.Fatalf("close custom: %v", err)
	}
	if len(second.Adjustments) != 1 || !second.Adjustments[0].Quantity.Equal(dec("-20")) {
		t.Fatalf("expected a -20 adjustment on top of the first close, got %+v", second.Adjustments)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("830")) {
		t.Fatalf("expected stock 830, got %s", got)
	}
}

func TestBlindCountNeverExposesTheoreticalStock(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	view, err := f.svc.StartAuditSession(as(domain.RoleManager, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start audit: %v", err)
	}

	counter := as(domain.RoleCounter, tenantA)
	seen, err := f.svc.GetAuditSession(counter, view.ID)
	if err != nil {
		t.Fatalf("counter view: %v", err)
	}
	receipt, err := f.svc.SubmitCount(counter, view.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("990")})
	if err != nil {
		t.Fatalf("submit count: %v", err)
	}

	for name, v := range map[string]any{"view": seen, "receipt": receipt} {
		raw, _ := json.Marshal(v)
		for _, leak := range []string{"snapshot", "expected", "deviation", "theoretical"} {
			if strings.Contains(string(raw), leak) {
				t.Fatalf("%s leaks %q: %s", name, leak, raw)
			}
		}
	}

	if _, err := f.svc.ReviewAuditSession(counter, view.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected counter review to be forbidden, got %v", err)
	}
	if _, err := f.svc.StockLevel(counter, "beef"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected counter stock read to be forbidden, got %v", err)
	}
	if _, err := f.svc.ListMovements(counter, "beef", 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected counter kardex read to be forbidden, got %v", err)
	}
}

func TestSubmitCountRejectsNegativeAndClosedSessions(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")

	view, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeCustom, IngredientIDs: []string{"beef", "beef"}})
	if err != nil {
		t.Fatalf("start audit: %v", err)
	}
	if len(view.Targets) != 1 {
		t.Fatalf("expected duplicate ids to collapse, got %d targets", len(view.Targets))
	}

	counter := as(domain.RoleCounter, tenantA)
	if _, err := f.svc.SubmitCount(counter, view.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("-1")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.SubmitCount(counter, view.ID, domain.CountSubmission{IngredientID: "onion", PhysicalCount: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for ingredient outside the audit, got %v", err)
	}

	closed, err := f.svc.CloseAuditSession(as(domain.RoleAdmin, tenantA), view.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed.Uncounted) != 1 || len(closed.Adjustments) != 0 {
		t.Fatalf("expected one uncounted ingredient and no adjustments, got %+v", closed)
	}
	if _, err := f.svc.CloseAuditSession(as(domain.RoleAdmin, tenantA), view.ID); !errors.Is(err, store.ErrSessionAlreadyClosed) {
		t.Fatalf("expected double close to fail, got %v", err)
	}
	if _, err := f.svc.SubmitCount(counter, view.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("1")}); !errors.Is(err, store.ErrSessionAlreadyClosed) {
		t.Fatalf("expected count on closed session to fail, got %v", err)
	}
}

func TestStartAuditSessionValidatesMode(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected empty FULL audit to fail validation, got %v", err)
	}
	if _, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeCustom}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected CUSTOM without ids to fail validation, got %v", err)
	}
	if _, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: "WEEKLY"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown mode to fail validation, got %v", err)
	}
	if _, err := f.svc.StartAuditSession(as(domain.RoleCounter, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected counter to be unable to start audits, got %v", err)
	}
}

func TestFlashAuditTargetsHighestStockValue(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 12; i++ {
		id := "ing-" + strconv.Itoa(i)
		f.ingredient(t, id, "Ingrediente "+strconv.Itoa(i))
		f.receive(t, id, strconv.Itoa(i*100), "1")
	}

	view, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFlashTop10})
	if err != nil {
		t.Fatalf("start audit: %v", err)
	}
	if len(view.Targets) != 10 {
		t.Fatalf("expected 10 targets, got %d", len(view.Targets))
	}
	if view.Targets[0].IngredientID != "ing-12" {
		t.Fatalf("expected the most valuable ingredient first, got %s", view.Targets[0].IngredientID)
	}
	for _, target := range view.Targets {
		if target.IngredientID == "ing-1" || target.IngredientID == "ing-2" {
			t.Fatalf("low value ingredient %s selected", target.IngredientID)
		}
	}
}

func TestApplyOrderIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.ingredient(t, "onion", "Cebolla")
	f.receive(t, "beef", "1000", "0.02")
	f.receive(t, "onion", "500", "0.01")
	f.burgerCatalog(t)

	order := domain.Order{
		ID: "order-1",
		Lines: []domain.OrderLine{
			{ProductID: "classic", Quantity: 2, Modifiers: []domain.SelectedModifier{{ModifierID: "no-onion"}}},
			{ProductID: "classic", Quantity: 1, Modifiers: []domain.SelectedModifier{{ModifierID: "extra-beef", Quantity: 1}}},
			{ProductID: "napkin", Quantity: 3},
		},
	}
	first, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), order)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Duplicate || len(first.Depletions) != 2 {
		t.Fatalf("unexpected first report %+v", first)
	}
	if len(first.SkippedLines) != 1 || first.SkippedLines[0] != "napkin" {
		t.Fatalf("expected napkin skipped, got %v", first.SkippedLines)
	}

	second, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), order)
	if err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if !second.Duplicate || len(second.Depletions) != 0 {
		t.Fatalf("expected duplicate no-op, got %+v", second)
	}

	if got := f.stock(t, "beef"); !got.Equal(dec("400")) {
		t.Fatalf("expected 600g beef consumed once, stock %s", got)
	}
	if got := f.stock(t, "onion"); !got.Equal(dec("480")) {
		t.Fatalf("expected only the line without exclusion to use onion, stock %s", got)
	}

	movements, err := f.svc.ListMovements(as(domain.RoleAuditor, tenantA), "beef", 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	sales := 0
	for _, mv := range movements {
		if mv.Type == domain.MovementSaleDepletion {
			sales++
			if mv.UnitsSold != 3 {
				t.Fatalf("expected 3 units sold on beef depletion, got %d", mv.UnitsSold)
			}
		}
	}
	if sales != 1 {
		t.Fatalf("expected exactly one beef depletion, got %d", sales)
	}
}

func TestApplyOrderReportsPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")
	f.burgerCatalog(t)

	report, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), domain.Order{
		ID:    "order-partial",
		Lines: []domain.OrderLine{{ProductID: "classic", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !report.Partial() || len(report.Failures) != 1 || report.Failures[0].IngredientID != "onion" {
		t.Fatalf("expected onion failure, got %+v", report)
	}
	if len(report.Depletions) != 1 || report.Depletions[0].IngredientID != "beef" {
		t.Fatalf("expected beef still depleted, got %+v", report.Depletions)
	}
	if len(f.events.OfType(events.TypeDepletionFailed)) != 1 {
		t.Fatalf("expected depletion.failed event")
	}
}

func TestApplyOrderRejectsUnknownModifierBeforeWriting(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")
	f.burgerCatalog(t)

	_, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), domain.Order{
		ID: "order-bad",
		Lines: []domain.OrderLine{
			{ProductID: "burger", Quantity: 1},
			{ProductID: "burger", Quantity: 1, Modifiers: []domain.SelectedModifier{{ModifierID: "gold-leaf"}}},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("1000")) {
		t.Fatalf("expected no depletion, stock %s", got)
	}

	claimed, err := f.repo.ClaimOrder(context.Background(), tenantA, "order-bad", f.svc.now())
	if err != nil || !claimed {
		t.Fatalf("expected rejected order to stay unclaimed, claimed=%v err=%v", claimed, err)
	}
}

func TestDepleteFIFOFlagsShortfall(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "soda-can", "Gaseosa lata")
	f.receive(t, "soda-can", "5", "1.5")

	res, err := f.svc.DepleteFIFO(as(domain.RoleStaff, tenantA), domain.DepleteRequest{IngredientID: "soda-can", Quantity: dec("8")})
	if err != nil {
		t.Fatalf("deplete: %v", err)
	}
	if !res.Shortfall || !res.ShortfallQty.Equal(dec("3")) || !res.BalanceAfter.Equal(dec("-3")) {
		t.Fatalf("expected shortfall of 3, got %+v", res)
	}
	if !res.ConsumedCost.Equal(dec("12")) {
		t.Fatalf("expected shortfall priced at latest cost, got %s", res.ConsumedCost)
	}

	if _, err := f.svc.DepleteFIFO(as(domain.RoleStaff, tenantA), domain.DepleteRequest{IngredientID: "soda-can", Quantity: dec("0")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected zero quantity to fail, got %v", err)
	}
}

func TestRevertRestoresStockOnce(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	view, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start audit: %v", err)
	}
	if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), view.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("1005")}); err != nil {
		t.Fatalf("count: %v", err)
	}
	closed, err := f.svc.CloseAuditSession(as(domain.RoleAdmin, tenantA), view.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	adjust := closed.Adjustments[0]
	if !adjust.Quantity.Equal(dec("5")) {
		t.Fatalf("expected +5 adjustment, got %s", adjust.Quantity)
	}

	manager := as(domain.RoleManager, tenantA)
	if _, err := f.svc.Revert(manager, adjust.ID, " "); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	reverted, err := f.svc.Revert(manager, adjust.ID, "conteo duplicado")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !reverted.Quantity.Equal(dec("-5")) || reverted.ReferenceID != adjust.ID {
		t.Fatalf("unexpected revert movement %+v", reverted)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("1000")) {
		t.Fatalf("expected stock restored to 1000, got %s", got)
	}
	if _, err := f.svc.Revert(manager, adjust.ID, "otra vez"); !errors.Is(err, store.ErrAlreadyReverted) {
		t.Fatalf("expected second revert to fail, got %v", err)
	}
	if _, err := f.svc.Revert(manager, reverted.ID, "revert del revert"); !errors.Is(err, store.ErrNotRevertible) {
		t.Fatalf("expected REVERT movements to be final, got %v", err)
	}
	if _, err := f.svc.Revert(as(domain.RoleStaff, tenantA), adjust.ID, "x"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected staff revert to be forbidden, got %v", err)
	}
}

func TestOrderCancellationRestocksDepletedStock(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")
	f.burgerCatalog(t)

	staff := as(domain.RoleStaff, tenantA)
	confirmed, err := f.svc.TransitionOrder(staff, domain.OrderTransitionRequest{
		OrderID: "mesa-4",
		Event:   domain.OrderEventConfirm,
		Lines:   []domain.OrderLine{{ProductID: "burger", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Order.State != domain.OrderPreparing || confirmed.Depletion == nil || !confirmed.Order.Depleted {
		t.Fatalf("unexpected confirm response %+v", confirmed)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("700")) {
		t.Fatalf("expected 700 after confirm, got %s", got)
	}

	if _, err := f.svc.TransitionOrder(staff, domain.OrderTransitionRequest{OrderID: "mesa-4", Event: domain.OrderEventCancel}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected staff direct cancel to be forbidden, got %v", err)
	}
	pending, err := f.svc.TransitionOrder(staff, domain.OrderTransitionRequest{OrderID: "mesa-4", Event: domain.OrderEventRequestCancel})
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if pending.Order.PreviousState != domain.OrderPreparing {
		t.Fatalf("expected previous state preparing, got %s", pending.Order.PreviousState)
	}

	cancelled, err := f.svc.TransitionOrder(as(domain.RoleManager, tenantA), domain.OrderTransitionRequest{OrderID: "mesa-4", Event: domain.OrderEventApproveCancel})
	if err != nil {
		t.Fatalf("approve cancel: %v", err)
	}
	if cancelled.Order.State != domain.OrderCancelled || !cancelled.Order.Restocked || len(cancelled.Restocked) != 1 {
		t.Fatalf("unexpected cancel response %+v", cancelled)
	}
	if cancelled.Restocked[0].Type != domain.MovementCancelRestock || !cancelled.Restocked[0].Quantity.Equal(dec("300")) {
		t.Fatalf("unexpected restock movement %+v", cancelled.Restocked[0])
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("1000")) {
		t.Fatalf("expected stock restored to 1000, got %s", got)
	}
	if len(f.events.OfType(events.TypeOrderRestocked)) != 1 {
		t.Fatalf("expected order.restocked event")
	}

	if _, err := f.svc.TransitionOrder(as(domain.RoleManager, tenantA), domain.OrderTransitionRequest{OrderID: "mesa-4", Event: domain.OrderEventApproveCancel}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected terminal order to reject events, got %v", err)
	}
}

func TestRejectCancelResumesPreviousState(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")
	f.burgerCatalog(t)

	staff := as(domain.RoleStaff, tenantA)
	if _, err := f.svc.TransitionOrder(staff, domain.OrderTransitionRequest{OrderID: "mesa-7", Event: domain.OrderEventConfirm, Lines: []domain.OrderLine{{ProductID: "burger", Quantity: 1}}}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.TransitionOrder(as(domain.RoleKitchen, tenantA), domain.OrderTransitionRequest{OrderID: "mesa-7", Event: domain.OrderEventMarkReady}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if _, err := f.svc.TransitionOrder(staff, domain.OrderTransitionRequest{OrderID: "mesa-7", Event: domain.OrderEventRequestCancel}); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	resumed, err := f.svc.TransitionOrder(as(domain.RoleManager, tenantA), domain.OrderTransitionRequest{OrderID: "mesa-7", Event: domain.OrderEventRejectCancel})
	if err != nil {
		t.Fatalf("reject cancel: %v", err)
	}
	if resumed.Order.State != domain.OrderReady || resumed.Order.PreviousState != "" {
		t.Fatalf("expected order back to ready, got %+v", resumed.Order)
	}
	if got := f.stock(t, "beef"); !got.Equal(dec("850")) {
		t.Fatalf("expected no restock on rejected cancel, got %s", got)
	}
}

func TestTransitionUnknownOrderWithoutLinesFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.TransitionOrder(as(domain.RoleStaff, tenantA), domain.OrderTransitionRequest{OrderID: "ghost", Event: domain.OrderEventConfirm})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	other := as(domain.RoleAdmin, "otro-restaurante")
	if _, err := f.svc.StockLevel(other, "beef"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected other tenant to miss beef, got %v", err)
	}
	list, err := f.svc.ListIngredients(other, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list for other tenant, got %d", len(list))
	}
	if _, err := f.svc.ReceiveBatch(other, domain.BatchReceiveRequest{IngredientID: "beef", Quantity: dec("1"), UnitCost: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cross-tenant receive to fail, got %v", err)
	}

	if _, err := f.svc.StockLevel(context.Background(), "beef"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected anonymous call to be forbidden, got %v", err)
	}
	noTenant := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	if _, err := f.svc.StockLevel(noTenant, "beef"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected missing tenant to fail validation, got %v", err)
	}
}

func TestStockLowEventFiresOnCrossing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateIngredient(as(domain.RoleAdmin, tenantA), domain.IngredientCreateRequest{
		ID: "cheese", Name: "Queso", BaseUnit: domain.UnitGram, MinStock: dec("200"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.receive(t, "cheese", "500", "0.05")

	staff := as(domain.RoleStaff, tenantA)
	for _, qty := range []string{"200", "200", "50"} {
		if _, err := f.svc.DepleteFIFO(staff, domain.DepleteRequest{IngredientID: "cheese", Quantity: dec(qty)}); err != nil {
			t.Fatalf("deplete: %v", err)
		}
	}
	if got := len(f.events.OfType(events.TypeStockLow)); got != 1 {
		t.Fatalf("expected exactly one stock.low event, got %d", got)
	}
	level, err := f.svc.StockLevel(as(domain.RoleManager, tenantA), "cheese")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if !level.BelowMinimum {
		t.Fatalf("expected below minimum flag")
	}
}

func TestDeactivatedIngredientLeavesFullAudits(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.ingredient(t, "onion", "Cebolla")

	if _, err := f.svc.DeactivateIngredient(as(domain.RoleAdmin, tenantA), "onion"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	view, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(view.Targets) != 1 || view.Targets[0].IngredientID != "beef" {
		t.Fatalf("expected only beef, got %+v", view.Targets)
	}
	if _, err := f.svc.ReceiveBatch(as(domain.RoleAdmin, tenantA), domain.BatchReceiveRequest{IngredientID: "onion", Quantity: dec("1"), UnitCost: dec("1")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected receive on inactive ingredient to fail, got %v", err)
	}
}

func TestConcurrentOrdersKeepBatchesConsistent(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "2000", "0.02")
	f.receive(t, "beef", "2000", "0.03")
	f.burgerCatalog(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ApplyOrder(as(domain.RoleStaff, tenantA), domain.Order{
				ID:    "concurrent-" + strconv.Itoa(i),
				Lines: []domain.OrderLine{{ProductID: "burger", Quantity: 1}},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	if got := f.stock(t, "beef"); !got.Equal(dec("1000")) {
		t.Fatalf("expected 1000 left, got %s", got)
	}
	batches, err := f.svc.ListBatches(as(domain.RoleManager, tenantA), "beef", false)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	sum := decimal.Zero
	for _, b := range batches {
		sum = sum.Add(b.QtyRemaining)
	}
	if !sum.Equal(dec("1000")) || len(batches) != 1 {
		t.Fatalf("expected one open batch holding 1000, got %d batches with %s", len(batches), sum)
	}
}

func TestExportAuditSessionWritesWorkbook(t *testing.T) {
	f := newFixture(t)
	f.ingredient(t, "beef", "Carne molida")
	f.receive(t, "beef", "1000", "0.02")

	view, err := f.svc.StartAuditSession(as(domain.RoleAdmin, tenantA), domain.AuditStartRequest{Mode: domain.AuditModeFull})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitCount(as(domain.RoleCounter, tenantA), view.ID, domain.CountSubmission{IngredientID: "beef", PhysicalCount: dec("950")}); err != nil {
		t.Fatalf("count: %v", err)
	}

	raw, err := f.svc.ExportAuditSession(as(domain.RoleAuditor, tenantA), view.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()

	name, _ := book.GetCellValue(auditSheet, "B2")
	deviation, _ := book.GetCellValue(auditSheet, "G2")
	if name != "Carne molida" || deviation != "-5" {
		t.Fatalf("unexpected row: name=%q deviation=%q", name, deviation)
	}

	if _, err := f.svc.ExportAuditSession(as(domain.RoleCounter, tenantA), view.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected counter export to be forbidden, got %v", err)
	}
}

func TestSheetWriterKeepsFirstError(t *testing.T) {
	book := excelize.NewFile()
	defer book.Close()

	w := sheetWriter{f: book, sheet: auditSheet}
	w.set(0, 1, "no column zero")
	first := w.err
	if first == nil {
		t.Fatalf("expected an invalid coordinate to fail")
	}
	w.row(2, "beef", "Carne molida")
	if w.err != first {
		t.Fatalf("expected the first error to be kept, got %v", w.err)
	}

	missing := sheetWriter{f: book, sheet: "Missing"}
	missing.row(1, "beef")
	if missing.err == nil {
		t.Fatalf("expected writing to an absent sheet to fail")
	}
}

func TestReplaceCatalogScopesToCallerTenant(t *testing.T) {
	f := newFixture(t)
	summary, err := f.svc.ReplaceCatalog(as(domain.RoleManager, tenantA), recipe.Document{
		TenantID: "someone-else",
		Products: []recipe.ProductSpec{{ID: "burger", Recipe: []recipe.Item{{IngredientID: "beef", Quantity: dec("150")}}}},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if summary.TenantID != tenantA || summary.Products != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if products, _ := f.catalog.Counts("someone-else"); products != 0 {
		t.Fatalf("expected other tenant catalog untouched")
	}
	if _, err := f.svc.ReplaceCatalog(as(domain.RoleStaff, tenantA), recipe.Document{}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected staff catalog replace to be forbidden, got %v", err)
	}
}
