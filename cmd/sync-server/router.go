package main

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/handler"
	"github.com/noah-isme/election-sync/internal/middleware"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/election-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/election-sync/pkg/middleware/requestid"
)

type routerDeps struct {
	logger         *zap.Logger
	allowedOrigins []string
	metrics        *service.MetricsService
	auth           middleware.TokenValidator
	audit          middleware.AuditWriter
	sync           *handler.SyncHandler
	ops            *handler.MetricsHandler
}

func newRouter(deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.logger))
	r.Use(corsmiddleware.New(deps.allowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))

	r.GET("/health", deps.ops.Health)
	r.GET("/ready", deps.ops.Ready)
	r.GET("/metrics", deps.ops.Prometheus)

	sync := r.Group("/sync", middleware.JWT(deps.auth), middleware.RequireAnyRole(), middleware.WithResponseMeta())
	sync.POST("/push", deps.sync.Push)
	sync.GET("/pull", middleware.Audit(deps.audit, models.AuditActionSyncPull, deps.logger), deps.sync.Pull)
	sync.GET("/stats", deps.sync.Stats)

	return r
}
