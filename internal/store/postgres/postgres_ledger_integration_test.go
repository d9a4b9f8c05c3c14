package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

func TestLedgerDepletesFIFOAndRevertsAdjust(t *testing.T) {
	databaseURL := os.Getenv("RECETA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RECETA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, xid.MustSequencer(7))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tenantID := fmt.Sprintf("tenant-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM movement_allocations WHERE movement_id IN (SELECT id FROM movements WHERE tenant_id = $1)`, tenantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM movements WHERE tenant_id = $1`, tenantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE tenant_id = $1`, tenantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ingredients WHERE tenant_id = $1`, tenantID)
	})

	if _, err := s.CreateIngredient(ctx, domain.Ingredient{ID: "beef", TenantID: tenantID, Name: "Carne molida", BaseUnit: domain.UnitGram}); err != nil {
		t.Fatalf("create ingredient: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i, cost := range []string{"10", "14"} {
		if _, err := s.AppendMovement(ctx, store.MovementCommand{
			TenantID:     tenantID,
			IngredientID: "beef",
			Type:         domain.MovementPurchase,
			Quantity:     decimal.NewFromInt(500),
			UnitCost:     decimal.RequireFromString(cost),
			AcquiredAt:   base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}

	sale := store.MovementCommand{
		TenantID:     tenantID,
		IngredientID: "beef",
		Type:         domain.MovementSaleDepletion,
		Quantity:     decimal.NewFromInt(-600),
		ReferenceID:  "order-it-1",
		UnitsSold:    4,
	}
	depleted, err := s.AppendMovement(ctx, sale)
	if err != nil {
		t.Fatalf("deplete: %v", err)
	}
	if !depleted.Movement.TotalCost.Equal(decimal.NewFromInt(-6400)) {
		t.Fatalf("expected FIFO cost -6400, got %s", depleted.Movement.TotalCost)
	}
	if _, err := s.AppendMovement(ctx, sale); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate depletion to fail, got %v", err)
	}

	adjust, err := s.AppendMovement(ctx, store.MovementCommand{
		TenantID:     tenantID,
		IngredientID: "beef",
		Type:         domain.MovementAdjust,
		Quantity:     decimal.NewFromInt(-100),
		Reason:       "merma",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, err := s.RevertMovement(ctx, store.RevertCommand{TenantID: tenantID, MovementID: adjust.Movement.ID, Reason: "conteo"}); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if _, err := s.RevertMovement(ctx, store.RevertCommand{TenantID: tenantID, MovementID: adjust.Movement.ID}); !errors.Is(err, store.ErrAlreadyReverted) {
		t.Fatalf("expected second revert to fail, got %v", err)
	}

	ing, err := s.GetIngredient(ctx, tenantID, "beef")
	if err != nil {
		t.Fatalf("get ingredient: %v", err)
	}
	batches, err := s.ListBatches(ctx, tenantID, "beef", false)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	sum := decimal.Zero
	for _, b := range batches {
		sum = sum.Add(b.QtyRemaining)
	}
	if !ing.Stock.Equal(decimal.NewFromInt(400)) || !sum.Equal(ing.Stock) {
		t.Fatalf("expected stock 400 matching batches, got stock %s batches %s", ing.Stock, sum)
	}

	snap, err := s.SnapshotStock(ctx, tenantID, []string{"beef"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	totals, err := s.MovementTotals(ctx, tenantID, "beef", 0, snap[0].Sequence)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.UnitsSold != 4 || !totals.Net.Equal(ing.Stock) {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
