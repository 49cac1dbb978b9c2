package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/election-sync/api/swagger"
	"github.com/noah-isme/election-sync/internal/handler"
	"github.com/noah-isme/election-sync/internal/repository"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/pkg/cache"
	"github.com/noah-isme/election-sync/pkg/config"
	"github.com/noah-isme/election-sync/pkg/database"
	"github.com/noah-isme/election-sync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "sync-server")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	for _, adj := range cfg.Adjustments {
		logr.Sugar().Warnw("config value clamped", "adjustment", adj)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database unavailable", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, running without pull cache", "error", err)
		redisClient = nil
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.PullTTL, logr, cacheRepo.Available())
	statusRepo := repository.NewStationStatusRepository(cacheRepo, cfg.Cache.StatusTTL)
	entityRepo := repository.NewEntityRepository(db)

	authSvc := service.NewAuthService(validate, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	})
	reconciler := service.NewReconcilerService(entityRepo, statusRepo, cacheSvc, metrics, validate, logr)
	pullSvc := service.NewPullService(entityRepo, cacheSvc, cfg.Cache.PullTTL, metrics, logr)
	statsSvc := service.NewSyncStatsService(statusRepo, cfg.Sync.Enabled)

	dependencies := map[string]handler.Pinger{"database": db}
	if cacheRepo.Available() {
		dependencies["redis"] = handler.PingFunc(cacheRepo.Ping)
	}

	r := newRouter(routerDeps{
		logger:         logr,
		allowedOrigins: cfg.CORS.AllowedOrigins,
		metrics:        metrics,
		auth:           authSvc,
		audit:          entityRepo,
		sync:           handler.NewSyncHandler(reconciler, pullSvc, statsSvc, config.MaxPayloadSize),
		ops:            handler.NewMetricsHandler(metrics, dependencies),
	})
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
