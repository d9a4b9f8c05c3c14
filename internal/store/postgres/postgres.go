package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db  *sql.DB
	seq *xid.Sequencer
}

func New(ctx context.Context, databaseURL string, seq *xid.Sequencer) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, seq: seq}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing table or index.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.TenantID) == "" || strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrValidation
	}
	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}
	if ingredient.CreatedAt.IsZero() {
		ingredient.CreatedAt = time.Now().UTC()
	}
	ingredient.UpdatedAt = ingredient.CreatedAt
	ingredient.Stock = decimal.Zero
	ingredient.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingredients (tenant_id, id, name, name_key, base_unit, stock, min_stock, active, last_sequence, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,true,0,$7,$7)
	`, ingredient.TenantID, ingredient.ID, ingredient.Name, store.NameKey(ingredient.Name), ingredient.BaseUnit, ingredient.MinStock, ingredient.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: ingredient %q already exists", store.ErrDuplicate, ingredient.Name)
		}
		return nil, err
	}

	created := ingredient
	return &created, nil
}

const ingredientColumns = `tenant_id, id, name, base_unit, stock, min_stock, active, created_at, updated_at`

func scanIngredient(row interface{ Scan(...any) error }) (domain.Ingredient, error) {
	var ing domain.Ingredient
	err := row.Scan(&ing.TenantID, &ing.ID, &ing.Name, &ing.BaseUnit, &ing.Stock, &ing.MinStock, &ing.Active, &ing.CreatedAt, &ing.UpdatedAt)
	ing.CreatedAt = ing.CreatedAt.UTC()
	ing.UpdatedAt = ing.UpdatedAt.UTC()
	return ing, err
}

func (s *Store) GetIngredient(ctx context.Context, tenantID string, id string) (*domain.Ingredient, error) {
	ing, err := scanIngredient(s.db.QueryRowContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ing, nil
}

func (s *Store) ListIngredients(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE tenant_id = $1 AND (active OR NOT $2)
		ORDER BY name_key, id
	`, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Ingredient, 0, 64)
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SetIngredientActive(ctx context.Context, tenantID string, id string, active bool) (*domain.Ingredient, error) {
	ing, err := scanIngredient(s.db.QueryRowContext(ctx, `
		UPDATE ingredients
		SET active = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+ingredientColumns,
		tenantID, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ing, nil
}

const batchColumns = `id, tenant_id, ingredient_id, acquired_at, sequence, supplier, qty_initial, qty_remaining, unit_cost, source, source_id`

func scanBatches(rows *sql.Rows) ([]domain.Batch, error) {
	batches := make([]domain.Batch, 0, 16)
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.TenantID, &b.IngredientID, &b.AcquiredAt, &b.Sequence, &b.Supplier, &b.QtyInitial, &b.QtyRemaining, &b.UnitCost, &b.Source, &b.SourceID); err != nil {
			return nil, err
		}
		b.AcquiredAt = b.AcquiredAt.UTC()
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) ListBatches(ctx context.Context, tenantID string, ingredientID string, includeExhausted bool) ([]domain.Batch, error) {
	if _, err := s.GetIngredient(ctx, tenantID, ingredientID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE tenant_id = $1 AND ingredient_id = $2 AND (qty_remaining > 0 OR $3)
		ORDER BY acquired_at, sequence, id
	`, tenantID, ingredientID, includeExhausted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *Store) AppendMovement(ctx context.Context, cmd store.MovementCommand) (*store.MovementResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var result *store.MovementResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ing, err := lockIngredient(ctx, tx, cmd.TenantID, cmd.IngredientID)
		if err != nil {
			return err
		}
		if store.OncePerReference(cmd.Type) && cmd.ReferenceID != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM movements
					WHERE tenant_id = $1 AND reference_id = $2 AND ingredient_id = $3 AND type = $4
				)
			`, cmd.TenantID, cmd.ReferenceID, cmd.IngredientID, cmd.Type).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s already recorded for %s", store.ErrDuplicate, cmd.Type, cmd.ReferenceID)
			}
		}

		state, err := loadLedgerState(ctx, tx, ing, nil)
		if err != nil {
			return err
		}
		plan := store.PlanMovement(state, cmd.Quantity, cmd.UnitCost, nil)

		at := cmd.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		acquiredAt := cmd.AcquiredAt
		if acquiredAt.IsZero() {
			acquiredAt = at
		}
		mv := domain.Movement{
			TenantID:     cmd.TenantID,
			IngredientID: cmd.IngredientID,
			Type:         cmd.Type,
			Quantity:     cmd.Quantity,
			UnitsSold:    cmd.UnitsSold,
			ReferenceID:  cmd.ReferenceID,
			Reason:       cmd.Reason,
			UserID:       cmd.UserID,
			CreatedAt:    at,
		}
		result, err = s.applyPlan(ctx, tx, ing, plan, mv, acquiredAt, cmd.Supplier, cmd.Source())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RevertMovement(ctx context.Context, cmd store.RevertCommand) (*store.MovementResult, error) {
	if cmd.TenantID == "" || cmd.MovementID == "" {
		return nil, store.ErrValidation
	}

	var result *store.MovementResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		orig, err := scanMovement(tx.QueryRowContext(ctx, `
			SELECT `+movementColumns+`
			FROM movements
			WHERE tenant_id = $1 AND id = $2
			FOR UPDATE
		`, cmd.TenantID, cmd.MovementID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if orig.Type != domain.MovementAdjust {
			return fmt.Errorf("%w: %s movements cannot be reverted", store.ErrNotRevertible, orig.Type)
		}
		if orig.RevertedBy != "" {
			return fmt.Errorf("%w: reverted by %s", store.ErrAlreadyReverted, orig.RevertedBy)
		}
		allocations, err := loadAllocations(ctx, tx, []string{orig.ID})
		if err != nil {
			return err
		}
		orig.Allocations = allocations[orig.ID]

		ing, err := lockIngredient(ctx, tx, cmd.TenantID, orig.IngredientID)
		if err != nil {
			return err
		}
		state, err := loadLedgerState(ctx, tx, ing, orig.Allocations)
		if err != nil {
			return err
		}
		plan := store.PlanMovement(state, orig.Quantity.Neg(), orig.UnitCost, orig.Allocations)

		at := cmd.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		mv := domain.Movement{
			TenantID:     cmd.TenantID,
			IngredientID: orig.IngredientID,
			Type:         domain.MovementRevert,
			Quantity:     orig.Quantity.Neg(),
			ReferenceID:  orig.ID,
			Reason:       cmd.Reason,
			UserID:       cmd.UserID,
			CreatedAt:    at,
		}
		result, err = s.applyPlan(ctx, tx, ing, plan, mv, at, "", domain.BatchSourceRevert)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE movements SET reverted_by = $3
			WHERE tenant_id = $1 AND id = $2 AND reverted_by = ''
		`, cmd.TenantID, orig.ID, result.Movement.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const movementColumns = `seq, id, tenant_id, ingredient_id, type, quantity, balance_after, unit_cost, total_cost, shortfall, units_sold, reference_id, reason, user_id, reverted_by, created_at`

func scanMovement(row interface{ Scan(...any) error }) (domain.Movement, error) {
	var mv domain.Movement
	err := row.Scan(&mv.Sequence, &mv.ID, &mv.TenantID, &mv.IngredientID, &mv.Type, &mv.Quantity, &mv.BalanceAfter, &mv.UnitCost, &mv.TotalCost, &mv.Shortfall, &mv.UnitsSold, &mv.ReferenceID, &mv.Reason, &mv.UserID, &mv.RevertedBy, &mv.CreatedAt)
	mv.CreatedAt = mv.CreatedAt.UTC()
	return mv, err
}

func (s *Store) GetMovement(ctx context.Context, tenantID string, id string) (*domain.Movement, error) {
	mv, err := scanMovement(s.db.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM movements
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	allocations, err := loadAllocations(ctx, s.db, []string{mv.ID})
	if err != nil {
		return nil, err
	}
	mv.Allocations = allocations[mv.ID]
	return &mv, nil
}

func (s *Store) ListMovements(ctx context.Context, tenantID string, ingredientID string, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 500
	}
	if ingredientID != "" {
		if _, err := s.GetIngredient(ctx, tenantID, ingredientID); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+movementColumns+`
			FROM movements
			WHERE tenant_id = $1 AND ($2 = '' OR ingredient_id = $2)
			ORDER BY seq DESC
			LIMIT $3
		) recent
		ORDER BY seq ASC
	`, tenantID, ingredientID, limit)
	if err != nil {
		return nil, err
	}
	return s.collectMovements(ctx, rows)
}

func (s *Store) ListMovementsByReference(ctx context.Context, tenantID string, referenceID string, movementType domain.MovementType) ([]domain.Movement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM movements
		WHERE tenant_id = $1 AND reference_id = $2 AND ($3 = '' OR type = $3)
		ORDER BY seq ASC
	`, tenantID, referenceID, string(movementType))
	if err != nil {
		return nil, err
	}
	return s.collectMovements(ctx, rows)
}

func (s *Store) collectMovements(ctx context.Context, rows *sql.Rows) ([]domain.Movement, error) {
	movements := make([]domain.Movement, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		movements = append(movements, mv)
		ids = append(ids, mv.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	allocations, err := loadAllocations(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range movements {
		movements[i].Allocations = allocations[movements[i].ID]
	}
	return movements, nil
}

// MovementTotals sums the ledger over afterSequence < seq <= uptoSequence.
// CANCEL_RESTOCK undoes the sale it compensates.
func (s *Store) MovementTotals(ctx context.Context, tenantID string, ingredientID string, afterSequence int64, uptoSequence int64) (domain.MovementTotals, error) {
	totals := domain.MovementTotals{Net: decimal.Zero, Purchases: decimal.Zero, Depleted: decimal.Zero, Corrections: decimal.Zero}
	if _, err := s.GetIngredient(ctx, tenantID, ingredientID); err != nil {
		return totals, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(quantity), 0),
			COALESCE(SUM(quantity) FILTER (WHERE type = 'PURCHASE'), 0),
			COALESCE(SUM(-quantity) FILTER (WHERE type IN ('SALE_DEPLETION', 'CANCEL_RESTOCK')), 0),
			COALESCE(SUM(quantity) FILTER (WHERE type IN ('ADJUST', 'REVERT')), 0),
			(COALESCE(SUM(units_sold) FILTER (WHERE type = 'SALE_DEPLETION'), 0)
				- COALESCE(SUM(units_sold) FILTER (WHERE type = 'CANCEL_RESTOCK'), 0))::BIGINT,
			COUNT(*)
		FROM movements
		WHERE tenant_id = $1 AND ingredient_id = $2 AND seq > $3 AND seq <= $4
	`, tenantID, ingredientID, afterSequence, uptoSequence).Scan(&totals.Net, &totals.Purchases, &totals.Depleted, &totals.Corrections, &totals.UnitsSold, &totals.Count)
	if err != nil {
		return totals, err
	}
	return totals, nil
}

// SnapshotStock reads every requested ingredient in one statement so the
// stock and sequence pairs come from the same database snapshot.
func (s *Store) SnapshotStock(ctx context.Context, tenantID string, ingredientIDs []string) ([]domain.StockSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.stock, i.last_sequence,
			COALESCE((
				SELECT b.unit_cost FROM batches b
				WHERE b.tenant_id = i.tenant_id AND b.ingredient_id = i.id
				ORDER BY b.acquired_at DESC, b.sequence DESC, b.id DESC
				LIMIT 1
			), 0)
		FROM ingredients i
		WHERE i.tenant_id = $1 AND i.id = ANY($2)
	`, tenantID, ingredientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.StockSnapshot, len(ingredientIDs))
	for rows.Next() {
		var snap domain.StockSnapshot
		if err := rows.Scan(&snap.IngredientID, &snap.Stock, &snap.Sequence, &snap.UnitCost); err != nil {
			return nil, err
		}
		byID[snap.IngredientID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.StockSnapshot, 0, len(ingredientIDs))
	for _, id := range ingredientIDs {
		snap, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
		}
		result = append(result, snap)
	}
	return result, nil
}

func (s *Store) ClaimOrder(ctx context.Context, tenantID string, orderID string, at time.Time) (bool, error) {
	if tenantID == "" || orderID == "" {
		return false, store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_orders (tenant_id, order_id, processed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, order_id) DO NOTHING
	`, tenantID, orderID, at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

const orderColumns = `tenant_id, id, state, previous_state, lines, depleted, restocked, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.OrderRecord, error) {
	var order domain.OrderRecord
	var lines []byte
	if err := row.Scan(&order.TenantID, &order.ID, &order.State, &order.PreviousState, &lines, &order.Depleted, &order.Restocked, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return order, err
	}
	if err := json.Unmarshal(lines, &order.Lines); err != nil {
		return order, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.OrderRecord) (*domain.OrderRecord, error) {
	if order.TenantID == "" || order.ID == "" {
		return nil, store.ErrValidation
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (tenant_id, id, state, previous_state, lines, depleted, restocked, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, order.TenantID, order.ID, order.State, order.PreviousState, lines, order.Depleted, order.Restocked, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: order %s", store.ErrDuplicate, order.ID)
		}
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, tenantID string, id string) (*domain.OrderRecord, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.OrderRecord, expected domain.OrderState) (*domain.OrderRecord, error) {
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return nil, err
	}

	updated, err := scanOrder(s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET state = $3, previous_state = $4, lines = $5, depleted = $6, restocked = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2 AND state = $9
		RETURNING `+orderColumns,
		order.TenantID, order.ID, order.State, order.PreviousState, lines, order.Depleted, order.Restocked, order.UpdatedAt, expected))
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	current, getErr := s.GetOrder(ctx, order.TenantID, order.ID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: order %s is %s", store.ErrConcurrencyConflict, order.ID, current.State)
}

func (s *Store) CreateAuditSession(ctx context.Context, session domain.AuditSession, details []domain.AuditDetail) (*domain.AuditSession, error) {
	if session.TenantID == "" {
		return nil, store.ErrValidation
	}
	if session.ID == "" {
		session.ID = xid.New("audit")
	}
	if session.Status == "" {
		session.Status = domain.AuditStatusOpen
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	ids, err := json.Marshal(session.IngredientIDs)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_sessions (tenant_id, id, mode, ingredient_ids, status, notes, started_at, started_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, session.TenantID, session.ID, session.Mode, ids, session.Status, session.Notes, session.StartedAt, session.StartedBy)
		if err != nil {
			return err
		}
		for _, d := range details {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audit_details (tenant_id, session_id, ingredient_id, snapshot_theoretical, snapshot_sequence)
				VALUES ($1,$2,$3,$4,$5)
			`, session.TenantID, session.ID, d.IngredientID, d.SnapshotTheoretical, d.SnapshotSequence)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: audit session %s", store.ErrDuplicate, session.ID)
		}
		return nil, err
	}
	created := session
	return &created, nil
}

const sessionColumns = `tenant_id, id, mode, ingredient_ids, status, notes, started_at, started_by, closed_at, closed_by`

func scanSession(row interface{ Scan(...any) error }) (domain.AuditSession, error) {
	var session domain.AuditSession
	var ids []byte
	var closedAt sql.NullTime
	if err := row.Scan(&session.TenantID, &session.ID, &session.Mode, &ids, &session.Status, &session.Notes, &session.StartedAt, &session.StartedBy, &closedAt, &session.ClosedBy); err != nil {
		return session, err
	}
	if err := json.Unmarshal(ids, &session.IngredientIDs); err != nil {
		return session, err
	}
	session.StartedAt = session.StartedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return session, nil
}

const detailColumns = `d.tenant_id, d.session_id, d.ingredient_id, d.snapshot_theoretical, d.snapshot_sequence, d.physical_count, d.count_sequence, d.expected_at_count, d.period_purchases, d.units_sold, d.deviation_percent, d.real_grammage, d.counted_at, d.counted_by, d.adjustment_movement_id`

func scanDetails(rows *sql.Rows) ([]domain.AuditDetail, error) {
	details := make([]domain.AuditDetail, 0, 16)
	for rows.Next() {
		var d domain.AuditDetail
		var physical, expected, deviation, grammage decimal.NullDecimal
		var countedAt sql.NullTime
		if err := rows.Scan(&d.TenantID, &d.SessionID, &d.IngredientID, &d.SnapshotTheoretical, &d.SnapshotSequence, &physical, &d.CountSequence, &expected, &d.PeriodPurchases, &d.UnitsSold, &deviation, &grammage, &countedAt, &d.CountedBy, &d.AdjustmentMovementID); err != nil {
			return nil, err
		}
		d.PhysicalCount = fromNullDecimal(physical)
		d.ExpectedAtCount = fromNullDecimal(expected)
		d.DeviationPercent = fromNullDecimal(deviation)
		d.RealGrammage = fromNullDecimal(grammage)
		if countedAt.Valid {
			at := countedAt.Time.UTC()
			d.CountedAt = &at
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (s *Store) GetAuditSession(ctx context.Context, tenantID string, id string) (*domain.AuditSession, []domain.AuditDetail, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM audit_sessions
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM audit_details d
		WHERE d.tenant_id = $1 AND d.session_id = $2
		ORDER BY d.ingredient_id
	`, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	details, err := scanDetails(rows)
	if err != nil {
		return nil, nil, err
	}
	return &session, details, nil
}

func (s *Store) SaveAuditCount(ctx context.Context, detail domain.AuditDetail) error {
	if detail.PhysicalCount == nil {
		return store.ErrValidation
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status domain.AuditStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM audit_sessions
			WHERE tenant_id = $1 AND id = $2
			FOR SHARE
		`, detail.TenantID, detail.SessionID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if status != domain.AuditStatusOpen {
			return store.ErrSessionAlreadyClosed
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE audit_details
			SET physical_count = $4, count_sequence = $5, expected_at_count = $6, period_purchases = $7,
				units_sold = $8, deviation_percent = $9, real_grammage = $10, counted_at = $11, counted_by = $12
			WHERE tenant_id = $1 AND session_id = $2 AND ingredient_id = $3
		`, detail.TenantID, detail.SessionID, detail.IngredientID,
			nullDecimal(detail.PhysicalCount), detail.CountSequence, nullDecimal(detail.ExpectedAtCount), detail.PeriodPurchases,
			detail.UnitsSold, nullDecimal(detail.DeviationPercent), nullDecimal(detail.RealGrammage), nullTime(detail.CountedAt), detail.CountedBy)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: ingredient %s is not part of session %s", store.ErrNotFound, detail.IngredientID, detail.SessionID)
		}
		return nil
	})
}

func (s *Store) CloseAuditSession(ctx context.Context, tenantID string, id string, closedBy string, at time.Time) (*domain.AuditSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE audit_sessions
		SET status = $3, closed_at = $4, closed_by = $5
		WHERE tenant_id = $1 AND id = $2 AND status = $6
		RETURNING `+sessionColumns,
		tenantID, id, domain.AuditStatusClosed, at.UTC(), closedBy, domain.AuditStatusOpen))
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM audit_sessions WHERE tenant_id = $1 AND id = $2)
	`, tenantID, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrSessionAlreadyClosed
}

func (s *Store) SetAuditAdjustment(ctx context.Context, tenantID string, sessionID string, ingredientID string, movementID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_details
		SET adjustment_movement_id = $4
		WHERE tenant_id = $1 AND session_id = $2 AND ingredient_id = $3
	`, tenantID, sessionID, ingredientID, movementID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAuditHistory(ctx context.Context, tenantID string, ingredientID string, limit int) ([]domain.AuditDetail, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+detailColumns+`
		FROM audit_details d
		JOIN audit_sessions s ON s.tenant_id = d.tenant_id AND s.id = d.session_id
		WHERE d.tenant_id = $1
			AND ($2 = '' OR d.ingredient_id = $2)
			AND s.status = 'closed'
			AND d.physical_count IS NOT NULL
		ORDER BY s.closed_at DESC, d.session_id, d.ingredient_id
		LIMIT $3
	`, tenantID, ingredientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDetails(rows)
}

func (s *Store) CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (
			id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListActivityLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM activity_logs
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ActivityLog, 0, limit)
	for rows.Next() {
		var entry domain.ActivityLog
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.TenantID == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, tenant_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,now())
	`, user.Username, user.Password, user.Role, user.TenantID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, tenant_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// inTx runs fn in a serializable transaction that gives up on row locks
// after a few seconds instead of queueing indefinitely.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapTxError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '3s'`); err != nil {
		return mapTxError(err)
	}
	if err := fn(tx); err != nil {
		return mapTxError(err)
	}
	return mapTxError(tx.Commit())
}

func lockIngredient(ctx context.Context, tx *sql.Tx, tenantID string, id string) (*domain.Ingredient, error) {
	ing, err := scanIngredient(tx.QueryRowContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ing, nil
}

// loadLedgerState locks the open batches of an ingredient plus any batch
// named in linked.
func loadLedgerState(ctx context.Context, tx *sql.Tx, ing *domain.Ingredient, linked []domain.BatchAllocation) (store.LedgerState, error) {
	linkedIDs := make([]string, 0, len(linked))
	for _, a := range linked {
		linkedIDs = append(linkedIDs, a.BatchID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE tenant_id = $1 AND ingredient_id = $2 AND (qty_remaining > 0 OR id = ANY($3))
		ORDER BY acquired_at, sequence, id
		FOR UPDATE
	`, ing.TenantID, ing.ID, linkedIDs)
	if err != nil {
		return store.LedgerState{}, err
	}
	batches, err := scanBatches(rows)
	_ = rows.Close()
	if err != nil {
		return store.LedgerState{}, err
	}

	lastCost := decimal.Zero
	err = tx.QueryRowContext(ctx, `
		SELECT unit_cost FROM batches
		WHERE tenant_id = $1 AND ingredient_id = $2
		ORDER BY acquired_at DESC, sequence DESC, id DESC
		LIMIT 1
	`, ing.TenantID, ing.ID).Scan(&lastCost)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.LedgerState{}, err
	}

	return store.LedgerState{Stock: ing.Stock, Batches: batches, LastUnitCost: lastCost}, nil
}

// applyPlan writes the movement row, its batch effects and the new cached
// stock inside tx.
func (s *Store) applyPlan(ctx context.Context, tx *sql.Tx, ing *domain.Ingredient, plan store.MovementPlan, mv domain.Movement, acquiredAt time.Time, supplier string, source domain.BatchSource) (*store.MovementResult, error) {
	mv.ID = s.seq.NextID()
	mv.UnitCost = plan.UnitCost
	mv.TotalCost = plan.TotalCost
	mv.Shortfall = plan.Shortfall
	mv.BalanceAfter = plan.BalanceAfter
	mv.Allocations = append([]domain.BatchAllocation(nil), plan.Allocations...)

	err := tx.QueryRowContext(ctx, `
		INSERT INTO movements (
			id, tenant_id, ingredient_id, type, quantity, balance_after, unit_cost, total_cost,
			shortfall, units_sold, reference_id, reason, user_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq
	`, mv.ID, mv.TenantID, mv.IngredientID, mv.Type, mv.Quantity, mv.BalanceAfter, mv.UnitCost, mv.TotalCost,
		mv.Shortfall, mv.UnitsSold, mv.ReferenceID, mv.Reason, mv.UserID, mv.CreatedAt).Scan(&mv.Sequence)
	if err != nil {
		return nil, err
	}

	for _, take := range plan.Take {
		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET qty_remaining = qty_remaining - $2 WHERE id = $1
		`, take.BatchID, take.Quantity); err != nil {
			return nil, err
		}
	}
	for _, put := range plan.Put {
		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET qty_remaining = qty_remaining + $2 WHERE id = $1
		`, put.BatchID, put.Quantity); err != nil {
			return nil, err
		}
	}

	var created *domain.Batch
	if plan.NewBatch != nil {
		batch := *plan.NewBatch
		batch.ID = xid.New("batch")
		batch.TenantID = mv.TenantID
		batch.IngredientID = mv.IngredientID
		batch.AcquiredAt = acquiredAt.UTC()
		batch.Sequence = mv.Sequence
		batch.Supplier = supplier
		batch.Source = source
		batch.SourceID = mv.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, batch.ID, batch.TenantID, batch.IngredientID, batch.AcquiredAt, batch.Sequence, batch.Supplier,
			batch.QtyInitial, batch.QtyRemaining, batch.UnitCost, batch.Source, batch.SourceID); err != nil {
			return nil, err
		}
		if batch.QtyRemaining.IsPositive() {
			mv.Allocations = append(mv.Allocations, domain.BatchAllocation{
				BatchID:  batch.ID,
				Quantity: batch.QtyRemaining,
				UnitCost: batch.UnitCost,
			})
		}
		created = &batch
	}

	for i, a := range mv.Allocations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO movement_allocations (movement_id, position, batch_id, quantity, unit_cost)
			VALUES ($1,$2,$3,$4,$5)
		`, mv.ID, i, a.BatchID, a.Quantity, a.UnitCost); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ingredients
		SET stock = $3, last_sequence = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, ing.TenantID, ing.ID, plan.BalanceAfter, mv.Sequence, mv.CreatedAt); err != nil {
		return nil, err
	}

	previous := ing.Stock
	updated := *ing
	updated.Stock = plan.BalanceAfter
	updated.UpdatedAt = mv.CreatedAt
	return &store.MovementResult{
		Movement:      mv,
		Ingredient:    updated,
		Batch:         created,
		PreviousStock: previous,
	}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadAllocations(ctx context.Context, q queryer, movementIDs []string) (map[string][]domain.BatchAllocation, error) {
	result := make(map[string][]domain.BatchAllocation, len(movementIDs))
	if len(movementIDs) == 0 {
		return result, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT movement_id, batch_id, quantity, unit_cost
		FROM movement_allocations
		WHERE movement_id = ANY($1)
		ORDER BY movement_id, position
	`, movementIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var movementID string
		var a domain.BatchAllocation
		if err := rows.Scan(&movementID, &a.BatchID, &a.Quantity, &a.UnitCost); err != nil {
			return nil, err
		}
		result[movementID] = append(result[movementID], a)
	}
	return result, rows.Err()
}

// mapTxError turns serialization failures and lock timeouts into
// ErrConcurrencyConflict and once-per-reference violations into ErrDuplicate.
func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "movements_once_per_reference":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.Detail)
		case "movements_single_revert":
			return fmt.Errorf("%w: %s", store.ErrAlreadyReverted, pgErr.Detail)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func fromNullDecimal(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	v := val.Decimal
	return &v
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
