package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
	"github.com/noah-isme/election-sync/pkg/response"
)

type stationService interface {
	GetEntity(ctx context.Context, entityType models.EntityType, id string) (*models.LocalRecord, error)
	ListEntities(ctx context.Context, entityType models.EntityType, includeDeleted bool, limit int) ([]models.LocalRecord, error)
	CreateEntity(ctx context.Context, req dto.EntityRequest) (*models.LocalRecord, error)
	UpdateEntity(ctx context.Context, id string, req dto.EntityRequest) (*models.LocalRecord, error)
	DeleteEntity(ctx context.Context, entityType models.EntityType, id string) error
	CheckInVoter(ctx context.Context, req dto.CheckInVoterRequest) (*models.LocalRecord, error)
	OpenTallySession(ctx context.Context, req dto.OpenTallySessionRequest) (*models.LocalRecord, error)
	RecordTally(ctx context.Context, req dto.RecordTallyRequest) (*models.LocalRecord, error)
}

// StationHandler exposes polling-station operations on the agent.
type StationHandler struct {
	service stationService
}

// NewStationHandler builds the handler.
func NewStationHandler(service stationService) *StationHandler {
	return &StationHandler{service: service}
}

func entityTypeParam(c *gin.Context) (models.EntityType, error) {
	typ, err := models.ParseEntityType(c.Param("type"))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	return typ, nil
}

// List godoc
// @Summary List local entities of a type
// @Tags Station
// @Produce json
// @Param type path string true "Entity type"
// @Param include_deleted query bool false "Include tombstones"
// @Param limit query int false "Maximum rows"
// @Success 200 {object} response.Envelope
// @Router /entities/{type} [get]
func (h *StationHandler) List(c *gin.Context) {
	typ, err := entityTypeParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		response.Error(c, err)
		return
	}
	records, err := h.service.ListEntities(c.Request.Context(), typ, c.Query("include_deleted") == "true", limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, records)
}

// Get godoc
// @Summary Get a local entity
// @Tags Station
// @Produce json
// @Param type path string true "Entity type"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Router /entities/{type}/{id} [get]
func (h *StationHandler) Get(c *gin.Context) {
	typ, err := entityTypeParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	rec, err := h.service.GetEntity(c.Request.Context(), typ, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}

// Create godoc
// @Summary Create a local entity and queue it for sync
// @Tags Station
// @Accept json
// @Produce json
// @Param payload body dto.EntityRequest true "Entity"
// @Success 201 {object} response.Envelope
// @Router /entities [post]
func (h *StationHandler) Create(c *gin.Context) {
	var req dto.EntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	rec, err := h.service.CreateEntity(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rec)
}

// Update godoc
// @Summary Update a local entity and queue the change
// @Tags Station
// @Accept json
// @Produce json
// @Param type path string true "Entity type"
// @Param id path string true "Entity ID"
// @Param payload body dto.EntityRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Router /entities/{type}/{id} [put]
func (h *StationHandler) Update(c *gin.Context) {
	typ, err := entityTypeParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.EntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	req.EntityType = typ
	rec, err := h.service.UpdateEntity(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}

// Delete godoc
// @Summary Soft-delete a local entity
// @Tags Station
// @Param type path string true "Entity type"
// @Param id path string true "Entity ID"
// @Success 204
// @Router /entities/{type}/{id} [delete]
func (h *StationHandler) Delete(c *gin.Context) {
	typ, err := entityTypeParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.service.DeleteEntity(c.Request.Context(), typ, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// CheckIn godoc
// @Summary Check a voter in
// @Tags Station
// @Accept json
// @Produce json
// @Param payload body dto.CheckInVoterRequest true "Voter"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /voters/check-in [post]
func (h *StationHandler) CheckIn(c *gin.Context) {
	var req dto.CheckInVoterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	rec, err := h.service.CheckInVoter(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}

// OpenSession godoc
// @Summary Open a tally session
// @Tags Station
// @Accept json
// @Produce json
// @Param payload body dto.OpenTallySessionRequest true "Pen"
// @Success 201 {object} response.Envelope
// @Router /tally/sessions [post]
func (h *StationHandler) OpenSession(c *gin.Context) {
	var req dto.OpenTallySessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	rec, err := h.service.OpenTallySession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, rec)
}

// RecordTally godoc
// @Summary Record the votes for a party
// @Tags Station
// @Accept json
// @Produce json
// @Param payload body dto.RecordTallyRequest true "Tally line"
// @Success 200 {object} response.Envelope
// @Router /tally/lines [post]
func (h *StationHandler) RecordTally(c *gin.Context) {
	var req dto.RecordTallyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	rec, err := h.service.RecordTally(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}
