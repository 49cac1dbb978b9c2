package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/middleware"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
	"github.com/noah-isme/election-sync/pkg/response"
)

type pushService interface {
	Push(ctx context.Context, claims *models.JWTClaims, req dto.PushRequest) (*dto.PushResponse, error)
}

type pullService interface {
	Pull(ctx context.Context, role models.UserRole, q dto.PullQuery) (*dto.PullResponse, bool, error)
}

type statsService interface {
	Stats(ctx context.Context, claims *models.JWTClaims, stationID string) (*dto.StatsResponse, error)
}

// SyncHandler exposes the central push/pull API.
type SyncHandler struct {
	push           pushService
	pull           pullService
	stats          statsService
	maxPayloadSize int64
}

// NewSyncHandler builds the handler. maxPayloadSize bounds push bodies; zero disables the check.
func NewSyncHandler(push pushService, pull pullService, stats statsService, maxPayloadSize int) *SyncHandler {
	return &SyncHandler{push: push, pull: pull, stats: stats, maxPayloadSize: int64(maxPayloadSize)}
}

// Push godoc
// @Summary Push a batch of station changes
// @Tags Sync
// @Accept json
// @Produce json
// @Param payload body dto.PushRequest true "Changes"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sync/push [post]
func (h *SyncHandler) Push(c *gin.Context) {
	if h.maxPayloadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadSize)
	}
	var req dto.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, "push payload exceeds the size limit"))
			return
		}
		response.Error(c, bindError(err))
		return
	}
	resp, err := h.push.Push(c.Request.Context(), claimsFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, resp)
}

// Pull godoc
// @Summary Pull changes newer than a cursor
// @Tags Sync
// @Produce json
// @Param last_sync query string false "RFC 3339 cursor"
// @Param limit query int false "Page size (max 1000)"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /sync/pull [get]
func (h *SyncHandler) Pull(c *gin.Context) {
	q, err := parsePullQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	resp, hit, err := h.pull.Pull(c.Request.Context(), claims.Role, q)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, resp, middleware.ExtractMeta(c))
}

// Stats godoc
// @Summary Sync health for the caller's station
// @Tags Sync
// @Produce json
// @Param station_id query string false "Station (administrators only)"
// @Success 200 {object} response.Envelope
// @Router /sync/stats [get]
func (h *SyncHandler) Stats(c *gin.Context) {
	resp, err := h.stats.Stats(c.Request.Context(), claimsFromContext(c), c.Query("station_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, resp)
}

func parsePullQuery(c *gin.Context) (dto.PullQuery, error) {
	var q dto.PullQuery
	if raw := c.Query("last_sync"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, appErrors.Clone(appErrors.ErrValidation, "last_sync must be an RFC 3339 timestamp")
		}
		ts = ts.UTC()
		q.LastSync = &ts
	}
	var err error
	if q.Limit, err = queryInt(c, "limit", 0); err != nil {
		return q, err
	}
	if q.Offset, err = queryInt(c, "offset", 0); err != nil {
		return q, err
	}
	return q, nil
}
