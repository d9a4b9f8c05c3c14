package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/costing"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

type movementLoc struct {
	ledger string
	index  int
}

// Store keeps every tenant in process memory behind one mutex, which also
// serializes movements per ingredient.
type Store struct {
	mu              sync.RWMutex
	seq             *xid.Sequencer
	ingredients     map[string]map[string]*domain.Ingredient
	nameKeys        map[string]string
	batches         map[string][]domain.Batch
	movements       map[string][]domain.Movement
	movementsByID   map[string]movementLoc
	onceRefs        map[string]string
	lastSequence    map[string]int64
	processedOrders map[string]time.Time
	orders          map[string]domain.OrderRecord
	sessions        map[string]domain.AuditSession
	details         map[string][]domain.AuditDetail
	activityLogs    []domain.ActivityLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return NewWithSequencer(xid.MustSequencer(1))
}

func NewWithSequencer(seq *xid.Sequencer) *Store {
	return &Store{
		seq:             seq,
		ingredients:     make(map[string]map[string]*domain.Ingredient),
		nameKeys:        make(map[string]string),
		batches:         make(map[string][]domain.Batch),
		movements:       make(map[string][]domain.Movement),
		movementsByID:   make(map[string]movementLoc),
		onceRefs:        make(map[string]string),
		lastSequence:    make(map[string]int64),
		processedOrders: make(map[string]time.Time),
		orders:          make(map[string]domain.OrderRecord),
		sessions:        make(map[string]domain.AuditSession),
		details:         make(map[string][]domain.AuditDetail),
		activityLogs:    make([]domain.ActivityLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev/demo accounts for one tenant.
func NewSeeded(seq *xid.Sequencer) *Store {
	s := NewWithSequencer(seq)
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial accounts for dev/demo mode. Passwords come from
// SEED_ADMIN_PASSWORD, SEED_AUDITOR_PASSWORD and SEED_COUNTER_PASSWORD and the
// tenant from SEED_TENANT_ID. Unset passwords fall back to dev defaults with a
// warning. These accounts are never used when DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	tenantID := envOr("SEED_TENANT_ID", "demo")
	seeds := []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"auditor", "SEED_AUDITOR_PASSWORD", "auditor123", domain.RoleAuditor},
		{"counter", "SEED_COUNTER_PASSWORD", "counter123", domain.RoleCounter},
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range seeds {
		if os.Getenv(u.envKey) == "" {
			logrus.WithField("username", u.username).Warnf("[memory-store] using default dev password, set %s to override", u.envKey)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(envOr(u.envKey, u.fallback)), bcrypt.DefaultCost)
		if err != nil {
			logrus.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			TenantID:  tenantID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.TenantID) == "" || strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}
	byID := s.ingredients[ingredient.TenantID]
	if byID == nil {
		byID = make(map[string]*domain.Ingredient)
		s.ingredients[ingredient.TenantID] = byID
	}
	if _, exists := byID[ingredient.ID]; exists {
		return nil, fmt.Errorf("%w: ingredient %s already exists", store.ErrDuplicate, ingredient.ID)
	}
	nameKey := tenantKey(ingredient.TenantID, store.NameKey(ingredient.Name))
	if _, exists := s.nameKeys[nameKey]; exists {
		return nil, fmt.Errorf("%w: ingredient name %q already exists", store.ErrDuplicate, ingredient.Name)
	}

	now := time.Now().UTC()
	if ingredient.CreatedAt.IsZero() {
		ingredient.CreatedAt = now
	}
	ingredient.UpdatedAt = ingredient.CreatedAt
	ingredient.Stock = decimal.Zero
	ingredient.Active = true

	created := ingredient
	byID[created.ID] = &created
	s.nameKeys[nameKey] = created.ID
	out := created
	return &out, nil
}

func (s *Store) GetIngredient(_ context.Context, tenantID string, id string) (*domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, ok := s.ingredient(tenantID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ing
	return &out, nil
}

func (s *Store) ListIngredients(_ context.Context, tenantID string, activeOnly bool) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Ingredient, 0, len(s.ingredients[tenantID]))
	for _, ing := range s.ingredients[tenantID] {
		if activeOnly && !ing.Active {
			continue
		}
		result = append(result, *ing)
	}
	slices.SortFunc(result, func(a, b domain.Ingredient) int {
		if c := strings.Compare(store.NameKey(a.Name), store.NameKey(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) SetIngredientActive(_ context.Context, tenantID string, id string, active bool) (*domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ing, ok := s.ingredient(tenantID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	ing.Active = active
	ing.UpdatedAt = time.Now().UTC()
	out := *ing
	return &out, nil
}

func (s *Store) ListBatches(_ context.Context, tenantID string, ingredientID string, includeExhausted bool) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.ingredient(tenantID, ingredientID); !ok {
		return nil, store.ErrNotFound
	}
	result := make([]domain.Batch, 0, len(s.batches[ledgerKey(tenantID, ingredientID)]))
	for _, b := range s.batches[ledgerKey(tenantID, ingredientID)] {
		if !includeExhausted && b.Exhausted() {
			continue
		}
		result = append(result, b)
	}
	slices.SortFunc(result, compareBatchFIFO)
	return result, nil
}

func (s *Store) AppendMovement(_ context.Context, cmd store.MovementCommand) (*store.MovementResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ing, ok := s.ingredient(cmd.TenantID, cmd.IngredientID)
	if !ok {
		return nil, store.ErrNotFound
	}
	var refKey string
	if store.OncePerReference(cmd.Type) && cmd.ReferenceID != "" {
		refKey = onceKey(cmd.TenantID, cmd.ReferenceID, cmd.IngredientID, cmd.Type)
		if _, exists := s.onceRefs[refKey]; exists {
			return nil, fmt.Errorf("%w: %s already recorded for %s", store.ErrDuplicate, cmd.Type, cmd.ReferenceID)
		}
	}

	key := ledgerKey(cmd.TenantID, cmd.IngredientID)
	plan := store.PlanMovement(s.ledgerState(key, ing.Stock), cmd.Quantity, cmd.UnitCost, nil)

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
	result := s.applyPlan(ing, key, plan, &mv, batchMeta{
		acquiredAt: acquiredAt,
		supplier:   cmd.Supplier,
		source:     cmd.Source(),
	})
	if refKey != "" {
		s.onceRefs[refKey] = mv.ID
	}
	return result, nil
}

func (s *Store) RevertMovement(_ context.Context, cmd store.RevertCommand) (*store.MovementResult, error) {
	if cmd.TenantID == "" || cmd.MovementID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.movementsByID[tenantKey(cmd.TenantID, cmd.MovementID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	orig := s.movements[loc.ledger][loc.index]
	if orig.Type != domain.MovementAdjust {
		return nil, fmt.Errorf("%w: %s movements cannot be reverted", store.ErrNotRevertible, orig.Type)
	}
	if orig.RevertedBy != "" {
		return nil, fmt.Errorf("%w: reverted by %s", store.ErrAlreadyReverted, orig.RevertedBy)
	}
	ing, ok := s.ingredient(cmd.TenantID, orig.IngredientID)
	if !ok {
		return nil, store.ErrNotFound
	}

	plan := store.PlanMovement(s.ledgerState(loc.ledger, ing.Stock), orig.Quantity.Neg(), orig.UnitCost, orig.Allocations)

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
	result := s.applyPlan(ing, loc.ledger, plan, &mv, batchMeta{
		acquiredAt: at,
		source:     domain.BatchSourceRevert,
	})
	s.movements[loc.ledger][loc.index].RevertedBy = mv.ID
	return result, nil
}

func (s *Store) GetMovement(_ context.Context, tenantID string, id string) (*domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.movementsByID[tenantKey(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	mv := cloneMovement(s.movements[loc.ledger][loc.index])
	return &mv, nil
}

// ListMovements returns the newest limit movements in sequence order. An empty
// ingredientID lists the whole tenant.
func (s *Store) ListMovements(_ context.Context, tenantID string, ingredientID string, limit int) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Movement
	if ingredientID != "" {
		if _, ok := s.ingredient(tenantID, ingredientID); !ok {
			return nil, store.ErrNotFound
		}
		for _, mv := range s.movements[ledgerKey(tenantID, ingredientID)] {
			result = append(result, cloneMovement(mv))
		}
	} else {
		result = s.tenantMovements(tenantID, func(domain.Movement) bool { return true })
	}
	slices.SortFunc(result, compareSequence)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *Store) ListMovementsByReference(_ context.Context, tenantID string, referenceID string, movementType domain.MovementType) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.tenantMovements(tenantID, func(mv domain.Movement) bool {
		return mv.ReferenceID == referenceID && (movementType == "" || mv.Type == movementType)
	})
	slices.SortFunc(result, compareSequence)
	return result, nil
}

// MovementTotals sums the ledger over afterSequence < sequence <= uptoSequence.
// CANCEL_RESTOCK undoes the sale it compensates.
func (s *Store) MovementTotals(_ context.Context, tenantID string, ingredientID string, afterSequence int64, uptoSequence int64) (domain.MovementTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.MovementTotals{Net: decimal.Zero, Purchases: decimal.Zero, Depleted: decimal.Zero, Corrections: decimal.Zero}
	if _, ok := s.ingredient(tenantID, ingredientID); !ok {
		return totals, store.ErrNotFound
	}
	for _, mv := range s.movements[ledgerKey(tenantID, ingredientID)] {
		if mv.Sequence <= afterSequence || mv.Sequence > uptoSequence {
			continue
		}
		totals.Net = totals.Net.Add(mv.Quantity)
		totals.Count++
		switch mv.Type {
		case domain.MovementPurchase:
			totals.Purchases = totals.Purchases.Add(mv.Quantity)
		case domain.MovementSaleDepletion:
			totals.Depleted = totals.Depleted.Sub(mv.Quantity)
			totals.UnitsSold += mv.UnitsSold
		case domain.MovementCancelRestock:
			totals.Depleted = totals.Depleted.Sub(mv.Quantity)
			totals.UnitsSold -= mv.UnitsSold
		case domain.MovementAdjust, domain.MovementRevert:
			totals.Corrections = totals.Corrections.Add(mv.Quantity)
		}
	}
	return totals, nil
}

func (s *Store) SnapshotStock(_ context.Context, tenantID string, ingredientIDs []string) ([]domain.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockSnapshot, 0, len(ingredientIDs))
	for _, id := range ingredientIDs {
		ing, ok := s.ingredient(tenantID, id)
		if !ok {
			return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
		}
		key := ledgerKey(tenantID, id)
		result = append(result, domain.StockSnapshot{
			IngredientID: id,
			Stock:        ing.Stock,
			Sequence:     s.lastSequence[key],
			UnitCost:     costing.LastUnitCost(store.ToLots(s.batches[key])),
		})
	}
	return result, nil
}

func (s *Store) ClaimOrder(_ context.Context, tenantID string, orderID string, at time.Time) (bool, error) {
	if tenantID == "" || orderID == "" {
		return false, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(tenantID, orderID)
	if _, exists := s.processedOrders[key]; exists {
		return false, nil
	}
	s.processedOrders[key] = at
	return true, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.OrderRecord) (*domain.OrderRecord, error) {
	if order.TenantID == "" || order.ID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(order.TenantID, order.ID)
	if _, exists := s.orders[key]; exists {
		return nil, fmt.Errorf("%w: order %s", store.ErrDuplicate, order.ID)
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	s.orders[key] = cloneOrder(order)
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) GetOrder(_ context.Context, tenantID string, id string) (*domain.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[tenantKey(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(order)
	return &out, nil
}

// UpdateOrder stores order only while the current state still equals expected.
func (s *Store) UpdateOrder(_ context.Context, order domain.OrderRecord, expected domain.OrderState) (*domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(order.TenantID, order.ID)
	current, ok := s.orders[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.State != expected {
		return nil, fmt.Errorf("%w: order %s is %s", store.ErrConcurrencyConflict, order.ID, current.State)
	}
	order.CreatedAt = current.CreatedAt
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	s.orders[key] = cloneOrder(order)
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) CreateAuditSession(_ context.Context, session domain.AuditSession, details []domain.AuditDetail) (*domain.AuditSession, error) {
	if session.TenantID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = xid.New("audit")
	}
	if session.Status == "" {
		session.Status = domain.AuditStatusOpen
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	key := tenantKey(session.TenantID, session.ID)
	if _, exists := s.sessions[key]; exists {
		return nil, fmt.Errorf("%w: audit session %s", store.ErrDuplicate, session.ID)
	}

	stored := make([]domain.AuditDetail, 0, len(details))
	for _, d := range details {
		d.SessionID = session.ID
		d.TenantID = session.TenantID
		stored = append(stored, cloneDetail(d))
	}
	session = cloneSession(session)
	s.sessions[key] = session
	s.details[key] = stored
	out := cloneSession(session)
	return &out, nil
}

func (s *Store) GetAuditSession(_ context.Context, tenantID string, id string) (*domain.AuditSession, []domain.AuditDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := tenantKey(tenantID, id)
	session, ok := s.sessions[key]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	details := make([]domain.AuditDetail, 0, len(s.details[key]))
	for _, d := range s.details[key] {
		details = append(details, cloneDetail(d))
	}
	out := cloneSession(session)
	return &out, details, nil
}

// SaveAuditCount replaces the count fields of one detail of an open session.
func (s *Store) SaveAuditCount(_ context.Context, detail domain.AuditDetail) error {
	if detail.PhysicalCount == nil {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(detail.TenantID, detail.SessionID)
	session, ok := s.sessions[key]
	if !ok {
		return store.ErrNotFound
	}
	if session.Status != domain.AuditStatusOpen {
		return store.ErrSessionAlreadyClosed
	}
	for i, d := range s.details[key] {
		if d.IngredientID != detail.IngredientID {
			continue
		}
		d.PhysicalCount = detail.PhysicalCount
		d.CountSequence = detail.CountSequence
		d.ExpectedAtCount = detail.ExpectedAtCount
		d.PeriodPurchases = detail.PeriodPurchases
		d.UnitsSold = detail.UnitsSold
		d.DeviationPercent = detail.DeviationPercent
		d.RealGrammage = detail.RealGrammage
		d.CountedAt = detail.CountedAt
		d.CountedBy = detail.CountedBy
		s.details[key][i] = cloneDetail(d)
		return nil
	}
	return fmt.Errorf("%w: ingredient %s is not part of session %s", store.ErrNotFound, detail.IngredientID, detail.SessionID)
}

// CloseAuditSession flips an open session to closed. Only one caller wins.
func (s *Store) CloseAuditSession(_ context.Context, tenantID string, id string, closedBy string, at time.Time) (*domain.AuditSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(tenantID, id)
	session, ok := s.sessions[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.AuditStatusOpen {
		return nil, store.ErrSessionAlreadyClosed
	}
	closedAt := at.UTC()
	session.Status = domain.AuditStatusClosed
	session.ClosedAt = &closedAt
	session.ClosedBy = closedBy
	s.sessions[key] = session
	out := cloneSession(session)
	return &out, nil
}

func (s *Store) SetAuditAdjustment(_ context.Context, tenantID string, sessionID string, ingredientID string, movementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(tenantID, sessionID)
	for i, d := range s.details[key] {
		if d.IngredientID == ingredientID {
			s.details[key][i].AdjustmentMovementID = movementID
			return nil
		}
	}
	return store.ErrNotFound
}

// ListAuditHistory returns counted details of closed sessions, newest first.
func (s *Store) ListAuditHistory(_ context.Context, tenantID string, ingredientID string, limit int) ([]domain.AuditDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type row struct {
		detail domain.AuditDetail
		at     time.Time
	}
	rows := make([]row, 0, 32)
	for key, session := range s.sessions {
		if session.TenantID != tenantID || session.Status != domain.AuditStatusClosed {
			continue
		}
		for _, d := range s.details[key] {
			if !d.Counted() || (ingredientID != "" && d.IngredientID != ingredientID) {
				continue
			}
			rows = append(rows, row{detail: cloneDetail(d), at: *session.ClosedAt})
		}
	}
	slices.SortFunc(rows, func(a, b row) int {
		if c := b.at.Compare(a.at); c != 0 {
			return c
		}
		if c := strings.Compare(a.detail.SessionID, b.detail.SessionID); c != 0 {
			return c
		}
		return strings.Compare(a.detail.IngredientID, b.detail.IngredientID)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	result := make([]domain.AuditDetail, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.detail)
	}
	return result, nil
}

func (s *Store) CreateActivityLog(_ context.Context, entry domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.activityLogs = append(s.activityLogs, entry)
	return nil
}

func (s *Store) ListActivityLogs(_ context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ActivityLog, 0, 64)
	for _, entry := range s.activityLogs {
		if entry.TenantID != tenantID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.ActivityLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.TenantID == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

type batchMeta struct {
	acquiredAt time.Time
	supplier   string
	source     domain.BatchSource
}

// applyPlan writes a planned movement. Callers hold the write lock.
func (s *Store) applyPlan(ing *domain.Ingredient, key string, plan store.MovementPlan, mv *domain.Movement, meta batchMeta) *store.MovementResult {
	seq := s.seq.Next()
	mv.ID = xid.Format(seq)
	mv.Sequence = seq
	mv.UnitCost = plan.UnitCost
	mv.TotalCost = plan.TotalCost
	mv.Shortfall = plan.Shortfall
	mv.BalanceAfter = plan.BalanceAfter
	mv.Allocations = slices.Clone(plan.Allocations)

	batches := s.batches[key]
	for _, take := range plan.Take {
		if i := batchIndex(batches, take.BatchID); i >= 0 {
			batches[i].QtyRemaining = batches[i].QtyRemaining.Sub(take.Quantity)
		}
	}
	for _, put := range plan.Put {
		if i := batchIndex(batches, put.BatchID); i >= 0 {
			batches[i].QtyRemaining = batches[i].QtyRemaining.Add(put.Quantity)
		}
	}

	var created *domain.Batch
	if plan.NewBatch != nil {
		batch := *plan.NewBatch
		batch.ID = xid.New("batch")
		batch.TenantID = mv.TenantID
		batch.IngredientID = mv.IngredientID
		batch.AcquiredAt = meta.acquiredAt
		batch.Sequence = seq
		batch.Supplier = meta.supplier
		batch.Source = meta.source
		batch.SourceID = mv.ID
		batches = append(batches, batch)
		if batch.QtyRemaining.IsPositive() {
			mv.Allocations = append(mv.Allocations, domain.BatchAllocation{
				BatchID:  batch.ID,
				Quantity: batch.QtyRemaining,
				UnitCost: batch.UnitCost,
			})
		}
		created = &batch
	}
	s.batches[key] = batches

	previous := ing.Stock
	ing.Stock = plan.BalanceAfter
	ing.UpdatedAt = mv.CreatedAt

	s.movements[key] = append(s.movements[key], *mv)
	s.movementsByID[tenantKey(mv.TenantID, mv.ID)] = movementLoc{ledger: key, index: len(s.movements[key]) - 1}
	s.lastSequence[key] = seq

	return &store.MovementResult{
		Movement:      cloneMovement(*mv),
		Ingredient:    *ing,
		Batch:         created,
		PreviousStock: previous,
	}
}

func (s *Store) ledgerState(key string, stock decimal.Decimal) store.LedgerState {
	batches := slices.Clone(s.batches[key])
	return store.LedgerState{
		Stock:        stock,
		Batches:      batches,
		LastUnitCost: costing.LastUnitCost(store.ToLots(batches)),
	}
}

func (s *Store) ingredient(tenantID string, id string) (*domain.Ingredient, bool) {
	ing, ok := s.ingredients[tenantID][id]
	return ing, ok
}

func (s *Store) tenantMovements(tenantID string, keep func(domain.Movement) bool) []domain.Movement {
	result := make([]domain.Movement, 0, 32)
	for id := range s.ingredients[tenantID] {
		for _, mv := range s.movements[ledgerKey(tenantID, id)] {
			if keep(mv) {
				result = append(result, cloneMovement(mv))
			}
		}
	}
	return result
}

func batchIndex(batches []domain.Batch, id string) int {
	return slices.IndexFunc(batches, func(b domain.Batch) bool { return b.ID == id })
}

func ledgerKey(tenantID string, ingredientID string) string {
	return tenantID + "::" + ingredientID
}

func tenantKey(tenantID string, id string) string {
	return tenantID + "::" + id
}

func onceKey(tenantID string, referenceID string, ingredientID string, t domain.MovementType) string {
	return strings.Join([]string{tenantID, referenceID, ingredientID, string(t)}, "::")
}

func compareSequence(a, b domain.Movement) int {
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}

func compareBatchFIFO(a, b domain.Batch) int {
	return costing.CompareFIFO(store.ToLots([]domain.Batch{a})[0], store.ToLots([]domain.Batch{b})[0])
}

func cloneMovement(src domain.Movement) domain.Movement {
	dup := src
	dup.Allocations = slices.Clone(src.Allocations)
	return dup
}

func cloneOrder(src domain.OrderRecord) domain.OrderRecord {
	dup := src
	dup.Lines = make([]domain.OrderLine, len(src.Lines))
	for i, line := range src.Lines {
		line.Modifiers = slices.Clone(line.Modifiers)
		dup.Lines[i] = line
	}
	return dup
}

func cloneSession(src domain.AuditSession) domain.AuditSession {
	dup := src
	dup.IngredientIDs = slices.Clone(src.IngredientIDs)
	if src.ClosedAt != nil {
		closedAt := *src.ClosedAt
		dup.ClosedAt = &closedAt
	}
	return dup
}

func cloneDetail(src domain.AuditDetail) domain.AuditDetail {
	dup := src
	dup.PhysicalCount = cloneDecimal(src.PhysicalCount)
	dup.ExpectedAtCount = cloneDecimal(src.ExpectedAtCount)
	dup.DeviationPercent = cloneDecimal(src.DeviationPercent)
	dup.RealGrammage = cloneDecimal(src.RealGrammage)
	if src.CountedAt != nil {
		countedAt := *src.CountedAt
		dup.CountedAt = &countedAt
	}
	return dup
}

func cloneDecimal(src *decimal.Decimal) *decimal.Decimal {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}
