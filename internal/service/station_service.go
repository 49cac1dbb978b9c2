package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/entity"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/pkg/database"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// Tally session statuses.
const (
	SessionOpen   = "OPEN"
	SessionClosed = "CLOSED"
)

// ChangeEnqueuer is the transactional side of the change queue.
type ChangeEnqueuer interface {
	EnqueueTx(ctx context.Context, tx sqlx.ExtContext, entityType models.EntityType, entityID string, op models.Operation, data models.Data) (*models.EntityChange, error)
}

// FastSyncTrigger asks the sync engine for a tally fast-path cycle.
type FastSyncTrigger interface {
	TriggerFastSync()
}

// StationOperator identifies who is working the station.
type StationOperator struct {
	ID   string
	Role models.UserRole
}

// StationService runs polling-station operations. Each one writes the local
// row and its queue entry in a single transaction.
type StationService struct {
	repo      LocalEntityStore
	queue     ChangeEnqueuer
	trigger   FastSyncTrigger
	operator  StationOperator
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewStationService constructs the station service. trigger may be nil.
func NewStationService(repo LocalEntityStore, queue ChangeEnqueuer, trigger FastSyncTrigger, operator StationOperator, validate *validator.Validate, logger *zap.Logger) *StationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if operator.Role == "" {
		operator.Role = models.RoleOperator
	}
	return &StationService{
		repo:      repo,
		queue:     queue,
		trigger:   trigger,
		operator:  operator,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetEntity returns an active local record.
func (s *StationService) GetEntity(ctx context.Context, entityType models.EntityType, id string) (*models.LocalRecord, error) {
	rec, err := s.load(ctx, nil, entityType, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListEntities lists local records of a type.
func (s *StationService) ListEntities(ctx context.Context, entityType models.EntityType, includeDeleted bool, limit int) ([]models.LocalRecord, error) {
	if _, err := entity.Lookup(entityType); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, entityType, includeDeleted, limit)
}

// CreateEntity stores a new entity and queues a CREATE.
func (s *StationService) CreateEntity(ctx context.Context, req dto.EntityRequest) (*models.LocalRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid entity payload")
	}
	spec, data, err := s.prepare(req.EntityType, req.Data)
	if err != nil {
		return nil, err
	}
	id := req.EntityID
	if id == "" {
		id = uuid.NewString()
	}

	var rec *models.LocalRecord
	err = database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := s.repo.Get(ctx, tx, spec.Type, id); err == nil {
			return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("%s %s already exists", spec.Type, id))
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		data["deleted_at"] = nil
		rec, err = s.save(ctx, tx, spec.Type, id, models.OperationCreate, data, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(spec.Type)
	return rec, nil
}

// UpdateEntity merges data into an active entity and queues an UPDATE.
func (s *StationService) UpdateEntity(ctx context.Context, id string, req dto.EntityRequest) (*models.LocalRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid entity payload")
	}
	spec, data, err := s.prepare(req.EntityType, req.Data)
	if err != nil {
		return nil, err
	}

	var rec *models.LocalRecord
	err = database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		existing, err := s.load(ctx, tx, spec.Type, id)
		if err != nil {
			return err
		}
		delete(data, "deleted_at")
		delete(data, "deleted_by")
		rec, err = s.save(ctx, tx, spec.Type, id, models.OperationUpdate, data, existing)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(spec.Type)
	return rec, nil
}

// DeleteEntity soft-deletes an entity and queues a DELETE carrying the tombstone.
func (s *StationService) DeleteEntity(ctx context.Context, entityType models.EntityType, id string) error {
	spec, _, err := s.prepare(entityType, models.Data{})
	if err != nil {
		return err
	}
	err = database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		existing, err := s.load(ctx, tx, spec.Type, id)
		if err != nil {
			return err
		}
		tombstone := models.Data{
			"deleted_at": models.FormatTime(s.now()),
			"deleted_by": s.operator.ID,
		}
		_, err = s.save(ctx, tx, spec.Type, id, models.OperationDelete, tombstone, existing)
		return err
	})
	if err != nil {
		return err
	}
	s.afterWrite(spec.Type)
	return nil
}

// CheckInVoter marks a voter as having voted and records an AuditLog entity
// for the check-in.
func (s *StationService) CheckInVoter(ctx context.Context, req dto.CheckInVoterRequest) (*models.LocalRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid check-in payload")
	}
	if err := s.authorise(models.EntityVoter); err != nil {
		return nil, err
	}

	var rec *models.LocalRecord
	err := database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		voter, err := s.load(ctx, tx, models.EntityVoter, req.VoterID)
		if err != nil {
			return err
		}
		if voted, _ := voter.Data["has_voted"].(bool); voted {
			return appErrors.Clone(appErrors.ErrConflict, "voter already checked in")
		}

		now := models.FormatTime(s.now())
		rec, err = s.save(ctx, tx, models.EntityVoter, req.VoterID, models.OperationUpdate,
			models.Data{"has_voted": true, "voted_at": now}, voter)
		if err != nil {
			return err
		}

		details, _ := json.Marshal(map[string]interface{}{"has_voted": true, "voted_at": now})
		audit := models.Data{
			"action":      models.AuditActionVoterCheckIn,
			"entity_type": string(models.EntityVoter),
			"entity_id":   req.VoterID,
			"new_values":  string(details),
			"deleted_at":  nil,
		}
		if _, err := uuid.Parse(s.operator.ID); err == nil {
			audit["user_id"] = s.operator.ID
		}
		_, err = s.save(ctx, tx, models.EntityAuditLog, uuid.NewString(), models.OperationCreate, audit, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("voter checked in", zap.String("voter_id", req.VoterID))
	return rec, nil
}

// OpenTallySession starts a counting session for a pen.
func (s *StationService) OpenTallySession(ctx context.Context, req dto.OpenTallySessionRequest) (*models.LocalRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if err := s.authorise(models.EntityTallySession); err != nil {
		return nil, err
	}

	var rec *models.LocalRecord
	err := database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := s.load(ctx, tx, models.EntityPen, req.PenID); err != nil {
			return err
		}
		data := models.Data{
			"pen_id":     req.PenID,
			"status":     SessionOpen,
			"started_at": models.FormatTime(s.now()),
			"deleted_at": nil,
		}
		if _, err := uuid.Parse(s.operator.ID); err == nil {
			data["created_by"] = s.operator.ID
		}
		var err error
		rec, err = s.save(ctx, tx, models.EntityTallySession, uuid.NewString(), models.OperationCreate, data, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordTally sets the votes of a party in an open session, creating the
// line on first use, and asks for a fast-path sync.
func (s *StationService) RecordTally(ctx context.Context, req dto.RecordTallyRequest) (*models.LocalRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid tally payload")
	}
	if err := s.authorise(models.EntityTallyLine); err != nil {
		return nil, err
	}

	var rec *models.LocalRecord
	err := database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		session, err := s.load(ctx, tx, models.EntityTallySession, req.SessionID)
		if err != nil {
			return err
		}
		if status, _ := session.Data.String("status"); status != SessionOpen {
			return appErrors.Clone(appErrors.ErrConflict, "tally session is not open")
		}
		if _, err := s.load(ctx, tx, models.EntityParty, req.PartyID); err != nil {
			return err
		}

		line, err := s.repo.FindTallyLine(ctx, tx, req.SessionID, req.PartyID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec, err = s.save(ctx, tx, models.EntityTallyLine, uuid.NewString(), models.OperationCreate, models.Data{
				"session_id": req.SessionID,
				"party_id":   req.PartyID,
				"votes":      req.Votes,
				"deleted_at": nil,
			}, nil)
			return err
		case err != nil:
			return err
		}
		rec, err = s.save(ctx, tx, models.EntityTallyLine, line.EntityID, models.OperationUpdate, models.Data{"votes": req.Votes}, line)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(models.EntityTallyLine)
	return rec, nil
}

func (s *StationService) authorise(entityType models.EntityType) error {
	if !entity.CanWrite(s.operator.Role, entityType) {
		return appErrors.Clone(appErrors.ErrPermissionDenied, fmt.Sprintf("role %s may not write %s", s.operator.Role, entityType))
	}
	return nil
}

// prepare checks the type and permission and normalises data through the
// registry so malformed values never reach the queue.
func (s *StationService) prepare(entityType models.EntityType, data models.Data) (entity.Spec, models.Data, error) {
	spec, err := entity.Lookup(entityType)
	if err != nil {
		return entity.Spec{}, nil, err
	}
	if err := s.authorise(entityType); err != nil {
		return entity.Spec{}, nil, err
	}
	row, err := spec.Coerce(data)
	if err != nil {
		return entity.Spec{}, nil, err
	}
	clean := spec.Snapshot(row)
	for _, key := range []string{"id", "created_at", "updated_at"} {
		delete(clean, key)
	}
	return spec, clean, nil
}

func (s *StationService) load(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, id string) (*models.LocalRecord, error) {
	rec, err := s.repo.Get(ctx, exec, entityType, id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && rec.DeletedAt != nil) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("%s %s not found", entityType, id))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// save merges changes over existing, writes the local row and enqueues the
// full post-write snapshot.
func (s *StationService) save(ctx context.Context, tx sqlx.ExtContext, entityType models.EntityType, id string, op models.Operation, changes models.Data, existing *models.LocalRecord) (*models.LocalRecord, error) {
	data := models.Data{}
	if existing != nil {
		data = existing.Data.Clone()
		data["created_at"] = models.FormatTime(existing.CreatedAt)
	}
	for k, v := range changes {
		data[k] = v
	}

	rec, err := recordFromData(entityType, id, data, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, tx, rec); err != nil {
		return nil, err
	}
	if _, err := s.queue.EnqueueTx(ctx, tx, entityType, id, op, rec.Data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *StationService) afterWrite(entityType models.EntityType) {
	if entityType == models.EntityTallyLine && s.trigger != nil {
		s.trigger.TriggerFastSync()
	}
}
