package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/cache"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/lock"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/metrics"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/recipe"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

var validate = validator.New()

var (
	inventoryManagers = []string{domain.RoleAdmin, domain.RoleManager}
	countRoles        = []string{domain.RoleCounter, domain.RoleAuditor, domain.RoleManager, domain.RoleAdmin}
	stockReaders      = []string{domain.RoleAdmin, domain.RoleManager, domain.RoleAuditor, domain.RoleStaff, domain.RoleKitchen}
	orderRoles        = []string{domain.RoleStaff, domain.RoleKitchen, domain.RoleManager, domain.RoleAdmin}
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Catalog is the recipe source the service resolves orders against.
type Catalog interface {
	recipe.Catalog
	Replace(doc recipe.Document) error
	Counts(tenantID string) (products int, modifiers int)
}

type Dependencies struct {
	Repo    store.Repository
	Catalog Catalog
	Locker  lock.Locker
	Cache   cache.StockCache
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

type Options struct {
	LockRetryLimit        int
	DeviationAlertPercent decimal.Decimal
	StockCacheTTL         time.Duration
}

type Service struct {
	repo      store.Repository
	catalog   Catalog
	resolver  *recipe.Resolver
	locker    lock.Locker
	cache     cache.StockCache
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	retries   int
	threshold decimal.Decimal
	cacheTTL  time.Duration
	now       func() time.Time
}

func New(deps Dependencies, opts Options) *Service {
	if deps.Catalog == nil {
		deps.Catalog = recipe.NewStaticCatalog()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal(5 * time.Second)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopStockCache{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(deps.Logger)
	}
	if opts.LockRetryLimit < 0 {
		opts.LockRetryLimit = 0
	}
	if opts.DeviationAlertPercent.IsZero() {
		opts.DeviationAlertPercent = decimal.NewFromInt(5)
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = 30 * time.Second
	}

	return &Service{
		repo:      deps.Repo,
		catalog:   deps.Catalog,
		resolver:  recipe.NewResolver(deps.Catalog),
		locker:    deps.Locker,
		cache:     deps.Cache,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		retries:   opts.LockRetryLimit,
		threshold: opts.DeviationAlertPercent,
		cacheTTL:  opts.StockCacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// authorize admits any authenticated caller when roles is empty.
func authorize(ctx context.Context, roles []string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	if strings.TrimSpace(actor.TenantID) == "" {
		return domain.Actor{}, fmt.Errorf("%w: tenant is required", store.ErrValidation)
	}
	if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: role %s not allowed", store.ErrForbidden, actor.Role)
	}
	return actor, nil
}

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
	}
	return nil
}

// withIngredientLock runs fn while holding the ingredient lock, retrying lock
// contention and store conflicts a bounded number of times.
func (s *Service) withIngredientLock(ctx context.Context, tenantID string, ingredientID string, operation string, fn func(ctx context.Context) error) error {
	key := "ingredient:" + tenantID + ":" + ingredientID
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.metrics.LockRetry(operation)
			s.logger.WithFields(logrus.Fields{
				"module":        "service",
				"operation":     operation,
				"tenant_id":     tenantID,
				"ingredient_id": ingredientID,
				"attempt":       attempt,
			}).Debug("retrying after concurrency conflict")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*25) * time.Millisecond):
			}
		}

		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			if errors.Is(err, lock.ErrNotObtained) {
				lastErr = err
				continue
			}
			return err
		}
		err = fn(ctx)
		unlock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s on %s gave up after %d retries: %v", store.ErrConcurrencyConflict, operation, ingredientID, s.retries, lastErr)
}

func (s *Service) appendMovement(ctx context.Context, cmd store.MovementCommand) (*store.MovementResult, error) {
	start := time.Now()
	defer s.metrics.Since("append_movement", start)

	var result *store.MovementResult
	err := s.withIngredientLock(ctx, cmd.TenantID, cmd.IngredientID, string(cmd.Type), func(ctx context.Context) error {
		res, err := s.repo.AppendMovement(ctx, cmd)
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
	return result, nil
}

func (s *Service) afterMovement(ctx context.Context, res *store.MovementResult) {
	mv := res.Movement
	s.invalidateStock(ctx, mv.TenantID, mv.IngredientID)

	s.metrics.Movement(string(mv.Type))
	if mv.Shortfall.IsPositive() {
		s.metrics.Shortfall()
	}

	minStock := res.Ingredient.MinStock
	if minStock.IsPositive() && !res.PreviousStock.LessThan(minStock) && res.Ingredient.Stock.LessThan(minStock) {
		s.publish(ctx, events.Event{
			Type:     events.TypeStockLow,
			TenantID: mv.TenantID,
			Payload: map[string]any{
				"ingredient_id": mv.IngredientID,
				"name":          res.Ingredient.Name,
				"stock":         res.Ingredient.Stock.String(),
				"min_stock":     minStock.String(),
				"movement_id":   mv.ID,
			},
		})
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":    "service",
			"event":     event.Type,
			"tenant_id": event.TenantID,
		}).WithError(err).Warn("failed to publish event")
	}
}

func (s *Service) recordActivity(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateActivityLog(ctx, domain.ActivityLog{
		ID:            xid.New("act"),
		TenantID:      actor.TenantID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module": "activity",
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write activity log")
	}
}

func (s *Service) ListActivityLogs(ctx context.Context, date string, limit int) ([]domain.ActivityLog, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}

	day := s.now()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListActivityLogs(ctx, actor.TenantID, from, from.Add(24*time.Hour), limit)
}

func positive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", store.ErrValidation, name)
	}
	return nil
}
