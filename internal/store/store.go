package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/costing"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrRecipeNotFound       = errors.New("recipe not found")
	ErrNotRevertible        = errors.New("movement is not revertible")
	ErrAlreadyReverted      = errors.New("movement already reverted")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrSessionAlreadyClosed = errors.New("audit session already closed")
	ErrForbidden            = errors.New("forbidden")
	ErrDuplicate            = errors.New("duplicate")
)

type Repository interface {
	CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)
	GetIngredient(ctx context.Context, tenantID string, id string) (*domain.Ingredient, error)
	ListIngredients(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Ingredient, error)
	SetIngredientActive(ctx context.Context, tenantID string, id string, active bool) (*domain.Ingredient, error)
	ListBatches(ctx context.Context, tenantID string, ingredientID string, includeExhausted bool) ([]domain.Batch, error)

	AppendMovement(ctx context.Context, cmd MovementCommand) (*MovementResult, error)
	RevertMovement(ctx context.Context, cmd RevertCommand) (*MovementResult, error)
	GetMovement(ctx context.Context, tenantID string, id string) (*domain.Movement, error)
	ListMovements(ctx context.Context, tenantID string, ingredientID string, limit int) ([]domain.Movement, error)
	ListMovementsByReference(ctx context.Context, tenantID string, referenceID string, movementType domain.MovementType) ([]domain.Movement, error)
	MovementTotals(ctx context.Context, tenantID string, ingredientID string, afterSequence int64, uptoSequence int64) (domain.MovementTotals, error)
	SnapshotStock(ctx context.Context, tenantID string, ingredientIDs []string) ([]domain.StockSnapshot, error)

	ClaimOrder(ctx context.Context, tenantID string, orderID string, at time.Time) (bool, error)
	CreateOrder(ctx context.Context, order domain.OrderRecord) (*domain.OrderRecord, error)
	GetOrder(ctx context.Context, tenantID string, id string) (*domain.OrderRecord, error)
	UpdateOrder(ctx context.Context, order domain.OrderRecord, expected domain.OrderState) (*domain.OrderRecord, error)

	CreateAuditSession(ctx context.Context, session domain.AuditSession, details []domain.AuditDetail) (*domain.AuditSession, error)
	GetAuditSession(ctx context.Context, tenantID string, id string) (*domain.AuditSession, []domain.AuditDetail, error)
	SaveAuditCount(ctx context.Context, detail domain.AuditDetail) error
	CloseAuditSession(ctx context.Context, tenantID string, id string, closedBy string, at time.Time) (*domain.AuditSession, error)
	SetAuditAdjustment(ctx context.Context, tenantID string, sessionID string, ingredientID string, movementID string) error
	ListAuditHistory(ctx context.Context, tenantID string, ingredientID string, limit int) ([]domain.AuditDetail, error)

	CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error
	ListActivityLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// MovementCommand describes one stock change. Increases create a batch;
// decreases consume batches in FIFO order.
type MovementCommand struct {
	TenantID     string
	IngredientID string
	Type         domain.MovementType
	Quantity     decimal.Decimal
	// UnitCost prices a new batch. Zero means the latest batch cost.
	UnitCost    decimal.Decimal
	Supplier    string
	BatchSource domain.BatchSource
	AcquiredAt  time.Time
	ReferenceID string
	Reason      string
	UserID      string
	UnitsSold   int64
	At          time.Time
}

func (c MovementCommand) Validate() error {
	if c.TenantID == "" || c.IngredientID == "" {
		return fmt.Errorf("%w: tenant and ingredient are required", ErrValidation)
	}
	if c.Quantity.IsZero() {
		return fmt.Errorf("%w: quantity must not be zero", ErrValidation)
	}
	if c.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}
	switch c.Type {
	case domain.MovementPurchase, domain.MovementCancelRestock:
		if !c.Quantity.IsPositive() {
			return fmt.Errorf("%w: %s quantity must be positive", ErrValidation, c.Type)
		}
	case domain.MovementSaleDepletion:
		if !c.Quantity.IsNegative() {
			return fmt.Errorf("%w: %s quantity must be negative", ErrValidation, c.Type)
		}
	case domain.MovementAdjust:
	default:
		return fmt.Errorf("%w: unsupported movement type %q", ErrValidation, c.Type)
	}
	return nil
}

// NameKey folds an ingredient name so "Cebolla " and "cebolla" collide.
func NameKey(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// OncePerReference reports whether the ledger accepts at most one movement
// of this type per (reference, ingredient).
func OncePerReference(t domain.MovementType) bool {
	return t == domain.MovementSaleDepletion || t == domain.MovementCancelRestock
}

// Source returns the batch source recorded for a batch this command creates.
func (c MovementCommand) Source() domain.BatchSource {
	if c.BatchSource != "" {
		return c.BatchSource
	}
	switch c.Type {
	case domain.MovementPurchase:
		return domain.BatchSourcePurchase
	case domain.MovementCancelRestock:
		return domain.BatchSourceCancelRestock
	default:
		return domain.BatchSourceAdjustment
	}
}

type RevertCommand struct {
	TenantID   string
	MovementID string
	Reason     string
	UserID     string
	At         time.Time
}

type MovementResult struct {
	Movement      domain.Movement
	Ingredient    domain.Ingredient
	Batch         *domain.Batch
	PreviousStock decimal.Decimal
}

// LedgerState is the locked view of one ingredient a movement is planned against.
type LedgerState struct {
	Stock decimal.Decimal
	// Batches holds every open batch plus any batch linked to the movement.
	Batches      []domain.Batch
	LastUnitCost decimal.Decimal
}

// MovementPlan is the full effect of a movement. Stores apply it atomically.
type MovementPlan struct {
	Take         []domain.BatchAllocation
	Put          []domain.BatchAllocation
	NewBatch     *domain.Batch
	UnitCost     decimal.Decimal
	TotalCost    decimal.Decimal
	Shortfall    decimal.Decimal
	BalanceAfter decimal.Decimal
	Allocations  []domain.BatchAllocation
}

// PlanMovement computes batch effects for a movement. linked holds the
// allocations of the movement being reverted, if any: a decrease drains
// those batches first and an increase is put back into them.
func PlanMovement(state LedgerState, qty decimal.Decimal, unitCost decimal.Decimal, linked []domain.BatchAllocation) MovementPlan {
	lots := ToLots(state.Batches)
	plan := MovementPlan{
		BalanceAfter: state.Stock.Add(qty),
		Shortfall:    decimal.Zero,
	}

	if qty.IsNegative() {
		preferred := make([]string, 0, len(linked))
		for _, a := range linked {
			preferred = append(preferred, a.BatchID)
		}
		depletion := costing.Deplete(lots, qty.Neg(), state.LastUnitCost, preferred...)
		plan.Take = fromAllocations(depletion.Allocations)
		plan.Allocations = plan.Take
		plan.Shortfall = depletion.Shortfall
		plan.UnitCost = depletion.UnitCost()
		plan.TotalCost = depletion.Cost.Neg()
		return plan
	}

	placeable := costing.Placeable(state.Stock, qty)
	if len(linked) > 0 {
		targets := toAllocations(linked)
		put, leftover := costing.Restore(lots, targets, placeable)
		plan.Put = fromAllocations(put)
		plan.Allocations = plan.Put
		plan.UnitCost = costing.WeightedUnitCost(targets)
		plan.TotalCost = qty.Mul(plan.UnitCost)
		if leftover.IsPositive() {
			plan.NewBatch = &domain.Batch{
				QtyInitial:   leftover,
				QtyRemaining: leftover,
				UnitCost:     plan.UnitCost,
			}
		}
		return plan
	}

	if unitCost.IsZero() {
		unitCost = state.LastUnitCost
	}
	plan.UnitCost = unitCost
	plan.TotalCost = qty.Mul(unitCost)
	plan.NewBatch = &domain.Batch{
		QtyInitial:   qty,
		QtyRemaining: placeable,
		UnitCost:     unitCost,
	}
	return plan
}

func ToLots(batches []domain.Batch) []costing.Lot {
	lots := make([]costing.Lot, 0, len(batches))
	for _, b := range batches {
		lots = append(lots, costing.Lot{
			ID:         b.ID,
			AcquiredAt: b.AcquiredAt,
			Sequence:   b.Sequence,
			Initial:    b.QtyInitial,
			Remaining:  b.QtyRemaining,
			UnitCost:   b.UnitCost,
		})
	}
	return lots
}

func fromAllocations(allocs []costing.Allocation) []domain.BatchAllocation {
	if len(allocs) == 0 {
		return nil
	}
	out := make([]domain.BatchAllocation, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, domain.BatchAllocation{BatchID: a.LotID, Quantity: a.Quantity, UnitCost: a.UnitCost})
	}
	return out
}

func toAllocations(allocs []domain.BatchAllocation) []costing.Allocation {
	out := make([]costing.Allocation, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, costing.Allocation{LotID: a.BatchID, Quantity: a.Quantity, UnitCost: a.UnitCost})
	}
	return out
}
