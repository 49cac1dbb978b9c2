package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/engine"
	"github.com/noah-isme/election-sync/internal/handler"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/ordering"
	"github.com/noah-isme/election-sync/internal/repository"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/internal/transport"
	"github.com/noah-isme/election-sync/pkg/backoff"
	"github.com/noah-isme/election-sync/pkg/config"
	"github.com/noah-isme/election-sync/pkg/database"
	"github.com/noah-isme/election-sync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "station-agent")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	logr = logr.With(zap.String("station_id", cfg.Station.ID))

	for _, adj := range cfg.Adjustments {
		logr.Sugar().Warnw("config value clamped", "adjustment", adj)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewSQLite(ctx, cfg.Station.DatabasePath)
	if err != nil {
		logr.Sugar().Fatalw("station database unavailable", "path", cfg.Station.DatabasePath, "error", err)
	}
	defer db.Close()

	orderer, err := ordering.New(cfg.Sync.DependencyOrder)
	if err != nil {
		logr.Sugar().Fatalw("invalid dependency order", "error", err)
	}

	metrics := service.NewMetricsService()
	validate := validator.New()
	operator := &models.JWTClaims{
		UserID:    cfg.Station.OperatorID,
		Role:      models.UserRole(cfg.Station.OperatorRole),
		StationID: cfg.Station.ID,
	}
	if operator.UserID == "" {
		operator.UserID = cfg.Station.ID
	}
	if !operator.Role.Valid() {
		logr.Sugar().Fatalw("invalid operator role", "role", cfg.Station.OperatorRole)
	}

	tokens, err := stationToken(cfg, validate, logr, operator)
	if err != nil {
		logr.Sugar().Fatalw("cannot obtain sync token", "error", err)
	}

	queue := service.NewChangeQueue(repository.NewQueueRepository(db), service.ChangeQueueConfig{
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    backoff.New(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax),
		Orderer:    orderer,
	}, logr)
	localRepo := repository.NewLocalEntityRepository(db)
	store := service.NewLocalStore(localRepo, logr)
	client := transport.NewHTTPClient(cfg.Sync.Endpoint, tokens, cfg.Sync.RequestTimeout, logr)

	eng := engine.New(engine.Config{
		Enabled:        cfg.Sync.Enabled,
		FastEnabled:    cfg.Sync.FastTallySync,
		StationID:      cfg.Station.ID,
		MaxPayloadSize: cfg.Sync.MaxPayloadSize,
		FastBatchSize:  cfg.Sync.FastBatchSize,
		PullPageSize:   cfg.Sync.PullPageSize,
		MaxPullPages:   cfg.Sync.MaxPullPages,
		RequestTimeout: cfg.Sync.RequestTimeout,
	}, queue, store, client, orderer, metrics, logr)
	go logEvents(ctx, eng.Events(), logr)

	worker := engine.NewWorker(eng, cfg.Sync.Interval, logr)
	worker.Start(ctx)

	stationSvc := service.NewStationService(localRepo, queue, eng, service.StationOperator{
		ID:   operator.UserID,
		Role: operator.Role,
	}, validate, logr)

	r := newRouter(routerDeps{
		logger:   logr,
		metrics:  metrics,
		operator: operator,
		agent:    handler.NewAgentHandler(cfg.Station.ID, eng, queue, store),
		station:  handler.NewStationHandler(stationSvc),
		ops:      handler.NewMetricsHandler(metrics, map[string]handler.Pinger{"database": db}),
	})

	srv := &http.Server{
		Addr:              cfg.Station.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("station api starting", "addr", srv.Addr, "sync_endpoint", cfg.Sync.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("station api failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	worker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// stationToken returns SYNC_AUTH_TOKEN as a fixed credential, or a source
// that mints from the shared secret and re-mints ahead of expiry.
func stationToken(cfg *config.Config, validate *validator.Validate, logr *zap.Logger, operator *models.JWTClaims) (transport.TokenSource, error) {
	if cfg.Station.AuthToken != "" {
		return transport.StaticToken(cfg.Station.AuthToken), nil
	}
	auth := service.NewAuthService(validate, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	})
	mint := func() (string, time.Time, error) {
		return auth.IssueToken(models.IssueTokenRequest{
			UserID:    operator.UserID,
			Role:      operator.Role,
			StationID: operator.StationID,
		})
	}
	// Fail startup on a bad secret instead of on the first push.
	if _, _, err := mint(); err != nil {
		return nil, err
	}
	return transport.RefreshingToken(mint, cfg.JWT.Expiration/10, logr), nil
}

func logEvents(ctx context.Context, events <-chan models.SyncEvent, logr *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Report == nil {
				logr.Debug("sync state", zap.String("state", string(ev.State)))
				continue
			}
			logr.Info("sync cycle finished",
				zap.String("kind", string(ev.Report.Kind)),
				zap.Bool("successful", ev.Report.Successful()),
				zap.Int("synced", ev.Report.Push.Synced),
				zap.Int("batches", ev.Report.Push.Batches))
		}
	}
}
