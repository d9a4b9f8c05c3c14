package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BaseUnit string

type MovementType string

type BatchSource string

type AuditMode string

type AuditStatus string

type OrderState string

type OrderEvent string

type Ingredient struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	BaseUnit  BaseUnit        `json:"base_unit"`
	Stock     decimal.Decimal `json:"stock"`
	MinStock  decimal.Decimal `json:"min_stock"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type IngredientCreateRequest struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name" validate:"required,max=120"`
	BaseUnit BaseUnit        `json:"base_unit" validate:"required,oneof=g ml unit"`
	MinStock decimal.Decimal `json:"min_stock"`
}

type Batch struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	IngredientID string          `json:"ingredient_id"`
	AcquiredAt   time.Time       `json:"acquired_at"`
	Sequence     int64           `json:"sequence"`
	Supplier     string          `json:"supplier,omitempty"`
	QtyInitial   decimal.Decimal `json:"quantity_initial"`
	QtyRemaining decimal.Decimal `json:"quantity_remaining"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Source       BatchSource     `json:"source"`
	SourceID     string          `json:"source_id,omitempty"`
}

func (b Batch) Exhausted() bool {
	return !b.QtyRemaining.IsPositive()
}

type BatchReceiveRequest struct {
	IngredientID string          `json:"ingredient_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Supplier     string          `json:"supplier,omitempty" validate:"max=120"`
	AcquiredAt   *time.Time      `json:"acquired_at,omitempty"`
}

type BatchReceiveResponse struct {
	Batch    Batch    `json:"batch"`
	Movement Movement `json:"movement"`
}

// BatchAllocation is the quantity a movement took from, or put into, one batch.
type BatchAllocation struct {
	BatchID  string          `json:"batch_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type Movement struct {
	ID           string            `json:"id"`
	Sequence     int64             `json:"sequence"`
	TenantID     string            `json:"tenant_id"`
	IngredientID string            `json:"ingredient_id"`
	Type         MovementType      `json:"type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	UnitCost     decimal.Decimal   `json:"unit_cost"`
	TotalCost    decimal.Decimal   `json:"total_cost"`
	Shortfall    decimal.Decimal   `json:"shortfall"`
	UnitsSold    int64             `json:"units_sold,omitempty"`
	ReferenceID  string            `json:"reference_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	UserID       string            `json:"user_id"`
	RevertedBy   string            `json:"reverted_by,omitempty"`
	Allocations  []BatchAllocation `json:"allocations,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (m Movement) IsIncrease() bool {
	return m.Quantity.IsPositive()
}

type DepleteRequest struct {
	IngredientID string          `json:"ingredient_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Reason       string          `json:"reason,omitempty" validate:"max=240"`
}

type DepletionResult struct {
	IngredientID   string            `json:"ingredient_id"`
	Quantity       decimal.Decimal   `json:"quantity"`
	ConsumedCost   decimal.Decimal   `json:"consumed_cost"`
	BatchesTouched []BatchAllocation `json:"batches_touched"`
	Shortfall      bool              `json:"shortfall"`
	ShortfallQty   decimal.Decimal   `json:"shortfall_quantity"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	MovementID     string            `json:"movement_id"`
}

type StockLevel struct {
	IngredientID string          `json:"ingredient_id"`
	Name         string          `json:"name"`
	BaseUnit     BaseUnit        `json:"base_unit"`
	Stock        decimal.Decimal `json:"stock"`
	MinStock     decimal.Decimal `json:"min_stock"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	BelowMinimum bool            `json:"below_minimum"`
	Sequence     int64           `json:"sequence"`
}

// StockSnapshot is the stock of one ingredient together with the ledger
// sequence it was read at.
type StockSnapshot struct {
	IngredientID string
	Stock        decimal.Decimal
	Sequence     int64
	UnitCost     decimal.Decimal
}

// MovementTotals aggregates the ledger of one ingredient over a sequence window.
type MovementTotals struct {
	Net       decimal.Decimal
	Purchases decimal.Decimal
	Depleted  decimal.Decimal
	// Corrections is the net of ADJUST and REVERT movements in the range.
	Corrections decimal.Decimal
	UnitsSold   int64
	Count       int
}

type SelectedModifier struct {
	ModifierID string `json:"modifier_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gte=0"`
	Kind       string `json:"kind,omitempty" validate:"omitempty,oneof=addition exclusion"`
}

type OrderLine struct {
	ProductID string             `json:"product_id" validate:"required"`
	Quantity  int                `json:"quantity" validate:"gte=1"`
	Modifiers []SelectedModifier `json:"modifiers,omitempty" validate:"dive"`
}

type Order struct {
	ID    string      `json:"id" validate:"required,max=120"`
	Lines []OrderLine `json:"lines" validate:"required,min=1,dive"`
}

type DepletionFailure struct {
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Error        string          `json:"error"`
}

type OrderDepletionReport struct {
	OrderID      string             `json:"order_id"`
	Duplicate    bool               `json:"duplicate"`
	Depletions   []DepletionResult  `json:"depletions"`
	Failures     []DepletionFailure `json:"failures,omitempty"`
	SkippedLines []string           `json:"skipped_lines,omitempty"`
	ProcessedAt  time.Time          `json:"processed_at"`
}

func (r OrderDepletionReport) Partial() bool {
	return len(r.Failures) > 0
}

type OrderRecord struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	State         OrderState  `json:"state"`
	PreviousState OrderState  `json:"previous_state,omitempty"`
	Lines         []OrderLine `json:"lines"`
	Depleted      bool        `json:"depleted"`
	Restocked     bool        `json:"restocked"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type OrderTransitionRequest struct {
	OrderID string      `json:"order_id" validate:"required"`
	Event   OrderEvent  `json:"event" validate:"required"`
	Lines   []OrderLine `json:"lines,omitempty" validate:"dive"`
}

type OrderTransitionResponse struct {
	Order     OrderRecord           `json:"order"`
	Depletion *OrderDepletionReport `json:"depletion,omitempty"`
	Restocked []Movement            `json:"restocked,omitempty"`
}

type AuditSession struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	Mode          AuditMode   `json:"mode"`
	IngredientIDs []string    `json:"ingredient_ids"`
	Status        AuditStatus `json:"status"`
	Notes         string      `json:"notes,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	StartedBy     string      `json:"started_by"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty"`
	ClosedBy      string      `json:"closed_by,omitempty"`
}

// AuditDetail carries the theoretical snapshot and must only reach reviewers.
type AuditDetail struct {
	SessionID            string           `json:"session_id"`
	TenantID             string           `json:"tenant_id"`
	IngredientID         string           `json:"ingredient_id"`
	SnapshotTheoretical  decimal.Decimal  `json:"snapshot_theoretical"`
	SnapshotSequence     int64            `json:"snapshot_sequence"`
	PhysicalCount        *decimal.Decimal `json:"physical_count,omitempty"`
	CountSequence        int64            `json:"count_sequence,omitempty"`
	ExpectedAtCount      *decimal.Decimal `json:"expected_at_count,omitempty"`
	PeriodPurchases      decimal.Decimal  `json:"period_purchases"`
	UnitsSold            int64            `json:"units_sold"`
	DeviationPercent     *decimal.Decimal `json:"deviation_percent,omitempty"`
	RealGrammage         *decimal.Decimal `json:"real_grammage,omitempty"`
	CountedAt            *time.Time       `json:"counted_at,omitempty"`
	CountedBy            string           `json:"counted_by,omitempty"`
	AdjustmentMovementID string           `json:"adjustment_movement_id,omitempty"`
}

func (d AuditDetail) Counted() bool {
	return d.PhysicalCount != nil
}

type AuditStartRequest struct {
	Mode          AuditMode `json:"mode" validate:"required,oneof=FLASH_TOP10 CUSTOM FULL"`
	IngredientIDs []string  `json:"ingredient_ids,omitempty" validate:"omitempty,max=500,dive,required"`
	Notes         string    `json:"notes,omitempty" validate:"max=240"`
}

// AuditTarget is what a counting employee sees for one ingredient to count.
type AuditTarget struct {
	IngredientID string   `json:"ingredient_id"`
	Name         string   `json:"name"`
	BaseUnit     BaseUnit `json:"base_unit"`
	Counted      bool     `json:"counted"`
}

type AuditSessionView struct {
	ID        string        `json:"id"`
	Mode      AuditMode     `json:"mode"`
	Status    AuditStatus   `json:"status"`
	Targets   []AuditTarget `json:"targets"`
	StartedAt time.Time     `json:"started_at"`
	StartedBy string        `json:"started_by"`
}

type CountSubmission struct {
	IngredientID  string          `json:"ingredient_id" validate:"required"`
	PhysicalCount decimal.Decimal `json:"physical_count"`
}

// CountReceipt is the blind response to a submitted count.
type CountReceipt struct {
	SessionID    string    `json:"session_id"`
	IngredientID string    `json:"ingredient_id"`
	Recorded     bool      `json:"recorded"`
	CountedAt    time.Time `json:"counted_at"`
}

type AuditReview struct {
	Session AuditSession  `json:"session"`
	Details []AuditDetail `json:"details"`
}

type AuditCloseResult struct {
	SessionID   string        `json:"session_id"`
	ClosedAt    time.Time     `json:"closed_at"`
	Adjustments []Movement    `json:"adjustments"`
	Details     []AuditDetail `json:"details"`
	Uncounted   []string      `json:"uncounted,omitempty"`
	Failures    []string      `json:"failures,omitempty"`
}

type RevertRequest struct {
	Reason     string `json:"reason" validate:"required,max=240"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	TenantID string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
}

type ActivityLog struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	UnitGram       BaseUnit = "g"
	UnitMilliliter BaseUnit = "ml"
	UnitCount      BaseUnit = "unit"
)

const (
	MovementPurchase      MovementType = "PURCHASE"
	MovementSaleDepletion MovementType = "SALE_DEPLETION"
	MovementAdjust        MovementType = "ADJUST"
	MovementRevert        MovementType = "REVERT"
	MovementCancelRestock MovementType = "CANCEL_RESTOCK"
)

const (
	BatchSourcePurchase      BatchSource = "purchase"
	BatchSourceAdjustment    BatchSource = "adjustment"
	BatchSourceCancelRestock BatchSource = "cancel_restock"
	BatchSourceRevert        BatchSource = "revert"
)

const (
	AuditModeFlashTop10 AuditMode = "FLASH_TOP10"
	AuditModeCustom     AuditMode = "CUSTOM"
	AuditModeFull       AuditMode = "FULL"
)

const (
	AuditStatusOpen   AuditStatus = "open"
	AuditStatusClosed AuditStatus = "closed"
)

const (
	OrderPending             OrderState = "pending"
	OrderPreparing           OrderState = "preparing"
	OrderReady               OrderState = "ready"
	OrderDelivered           OrderState = "delivered"
	OrderCancelled           OrderState = "cancelled"
	OrderCancellationPending OrderState = "cancellation_pending"
)

const (
	OrderEventConfirm       OrderEvent = "confirm"
	OrderEventMarkReady     OrderEvent = "mark_ready"
	OrderEventDeliver       OrderEvent = "deliver"
	OrderEventCancel        OrderEvent = "cancel"
	OrderEventRequestCancel OrderEvent = "request_cancel"
	OrderEventApproveCancel OrderEvent = "approve_cancel"
	OrderEventRejectCancel  OrderEvent = "reject_cancel"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleAuditor = "auditor"
	RoleCounter = "counter"
	RoleStaff   = "staff"
	RoleKitchen = "kitchen"
)

// ReviewerRoles may see theoretical stock and audit results.
var ReviewerRoles = []string{RoleAdmin, RoleManager, RoleAuditor}

func IsReviewer(role string) bool {
	for _, r := range ReviewerRoles {
		if r == role {
			return true
		}
	}
	return false
}
