package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
	"github.com/noah-isme/election-sync/pkg/response"
)

type syncEngine interface {
	Enabled() bool
	State() models.EngineState
	LastReport() *models.SyncReport
	RunCycle(ctx context.Context) (models.SyncReport, error)
	RunFastCycle(ctx context.Context) (models.SyncReport, error)
	RunPull(ctx context.Context) (models.SyncReport, error)
}

type queueInspector interface {
	Counters(ctx context.Context) (models.QueueCounters, error)
	List(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueEntry, error)
	RequeueDependencyConflicts(ctx context.Context) (int, error)
	RequeueFailed(ctx context.Context) (int, error)
}

type syncStateReader interface {
	Cursor(ctx context.Context) (*time.Time, error)
	LastSuccessfulSync(ctx context.Context) (*time.Time, error)
}

// AgentHandler exposes the station's sync health and queue controls.
type AgentHandler struct {
	stationID string
	engine    syncEngine
	queue     queueInspector
	store     syncStateReader
}

// NewAgentHandler builds the handler.
func NewAgentHandler(stationID string, engine syncEngine, queue queueInspector, store syncStateReader) *AgentHandler {
	return &AgentHandler{stationID: stationID, engine: engine, queue: queue, store: store}
}

// Stats godoc
// @Summary Local sync health
// @Tags Agent
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/stats [get]
func (h *AgentHandler) Stats(c *gin.Context) {
	stats, _, err := h.stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, stats)
}

// Status godoc
// @Summary Detailed engine and queue status
// @Tags Agent
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/status [get]
func (h *AgentHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	stats, counters, err := h.stats(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	cursor, err := h.store.Cursor(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.StationStatusResponse{
		StatsResponse: *stats,
		StationID:     h.stationID,
		State:         h.engine.State(),
		Queue:         counters,
		Cursor:        cursor,
		LastCycle:     h.engine.LastReport(),
	})
}

// Queue godoc
// @Summary List queued changes
// @Tags Agent
// @Produce json
// @Param status query string false "pending, retry_scheduled, dependency_conflict or failed"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /sync/queue [get]
func (h *AgentHandler) Queue(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		response.Error(c, err)
		return
	}
	entries, err := h.queue.List(c.Request.Context(), models.QueueStatus(c.Query("status")), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entries)
}

// Trigger godoc
// @Summary Run a sync cycle now
// @Tags Agent
// @Produce json
// @Param kind query string false "full (default), fast or pull"
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /sync/trigger [post]
func (h *AgentHandler) Trigger(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		report models.SyncReport
		err    error
	)
	switch models.CycleKind(c.DefaultQuery("kind", string(models.CycleFull))) {
	case models.CycleFull:
		report, err = h.engine.RunCycle(ctx)
	case models.CycleFast:
		report, err = h.engine.RunFastCycle(ctx)
	case models.CyclePull:
		report, err = h.engine.RunPull(ctx)
	default:
		err = appErrors.Clone(appErrors.ErrValidation, "kind must be full, fast or pull")
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.TriggerResponse{Report: report})
}

// Requeue godoc
// @Summary Return parked entries to pending
// @Tags Agent
// @Accept json
// @Produce json
// @Param payload body dto.RequeueRequest true "Which entries"
// @Success 200 {object} response.Envelope
// @Router /sync/requeue [post]
func (h *AgentHandler) Requeue(c *gin.Context) {
	var req dto.RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	var (
		n   int
		err error
	)
	switch req.Status {
	case models.QueueStatusDependencyConflict:
		n, err = h.queue.RequeueDependencyConflicts(c.Request.Context())
	case models.QueueStatusFailed:
		n, err = h.queue.RequeueFailed(c.Request.Context())
	default:
		err = appErrors.Clone(appErrors.ErrValidation, "status must be dependency_conflict or failed")
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.RequeueResponse{Requeued: n})
}

func (h *AgentHandler) stats(ctx context.Context) (*dto.StatsResponse, models.QueueCounters, error) {
	counters, err := h.queue.Counters(ctx)
	if err != nil {
		return nil, counters, err
	}
	last, err := h.store.LastSuccessfulSync(ctx)
	if err != nil {
		return nil, counters, err
	}
	return &dto.StatsResponse{
		PendingPushCount:   counters.Size,
		LastSuccessfulSync: last,
		SyncEnabled:        h.engine.Enabled(),
	}, counters, nil
}
