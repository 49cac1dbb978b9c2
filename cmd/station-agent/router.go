package main

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/handler"
	"github.com/noah-isme/election-sync/internal/middleware"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/service"
	"github.com/noah-isme/election-sync/pkg/logger"
	reqidmiddleware "github.com/noah-isme/election-sync/pkg/middleware/requestid"
)

type routerDeps struct {
	logger   *zap.Logger
	metrics  *service.MetricsService
	operator *models.JWTClaims
	agent    *handler.AgentHandler
	station  *handler.StationHandler
	ops      *handler.MetricsHandler
}

func newRouter(deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.logger))
	r.Use(middleware.Metrics(deps.metrics))

	r.GET("/health", deps.ops.Health)
	r.GET("/ready", deps.ops.Ready)
	r.GET("/metrics", deps.ops.Prometheus)

	api := r.Group("/", middleware.StaticClaims(deps.operator), middleware.RequireAnyRole())

	sync := api.Group("/sync")
	sync.GET("/stats", deps.agent.Stats)
	sync.GET("/status", deps.agent.Status)
	sync.GET("/queue", deps.agent.Queue)
	sync.POST("/trigger", deps.agent.Trigger)
	sync.POST("/requeue", deps.agent.Requeue)

	api.POST("/entities", deps.station.Create)
	api.GET("/entities/:type", deps.station.List)
	api.GET("/entities/:type/:id", deps.station.Get)
	api.PUT("/entities/:type/:id", deps.station.Update)
	api.DELETE("/entities/:type/:id", deps.station.Delete)
	api.POST("/voters/check-in", deps.station.CheckIn)
	api.POST("/tally/sessions", deps.station.OpenSession)
	api.POST("/tally/lines", deps.station.RecordTally)

	return r
}
