package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/cache"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/config"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/events"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/httpapi"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/lock"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/metrics"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/recipe"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/service"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store/memory"
	pgstore "github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store/postgres"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/xid"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seq, err := xid.NewSequencer(cfg.SnowflakeNode)
	if err != nil {
		logger.WithError(err).Fatal("invalid SNOWFLAKE_NODE")
	}

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, seq)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("postgres migration failed")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.WithField("module", "main").Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(seq)
		logger.WithField("module", "main").Info("repository: in-memory")
	}

	var stockCache cache.StockCache = cache.NoopStockCache{}
	var locker lock.Locker = lock.NewLocal(5 * time.Second)
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisStockCache(rdb)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and in-process locks")
			_ = redisCache.Close()
		} else {
			stockCache = redisCache
			locker = lock.NewRedis(rdb, 30*time.Second, 5*time.Second)
			closers = append(closers, redisCache.Close)
			logger.WithField("module", "main").Info("cache and locks: redis")
		}
	}

	publishers := events.Multi{events.NewLogPublisher(logger)}
	if cfg.PubSubProjectID != "" && cfg.PubSubTopic != "" {
		ps, err := events.NewPubSubPublisher(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.PubSubCredentialsJSON)
		if err != nil {
			logger.WithError(err).Warn("pubsub unavailable, events are only logged")
		} else {
			publishers = append(publishers, ps)
			closers = append(closers, ps.Close)
			logger.WithField("topic", cfg.PubSubTopic).Info("events: pubsub")
		}
	}

	catalog := recipe.NewStaticCatalog()
	if cfg.CatalogFile != "" {
		tenants, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			logger.WithError(err).Fatal("failed to load recipe catalog")
		}
		logger.WithFields(logrus.Fields{"file": cfg.CatalogFile, "tenants": tenants}).Info("recipe catalog loaded")
	}

	m := metrics.New()
	svc := service.New(service.Dependencies{
		Repo:    repo,
		Catalog: catalog,
		Locker:  locker,
		Cache:   stockCache,
		Events:  publishers,
		Metrics: m,
		Logger:  logger,
	}, service.Options{
		LockRetryLimit:        cfg.LockRetryLimit,
		DeviationAlertPercent: cfg.AuditDeviationAlertPercent,
		StockCacheTTL:         time.Duration(cfg.StockCacheTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger, m)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("receta viva listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects repeated, sequential and well-known PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
