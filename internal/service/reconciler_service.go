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
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/entity"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/pkg/database"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// PullCachePattern matches every cached pull page.
const PullCachePattern = "sync:pull:*"

const foreignKeyViolation = "23503"

type entityStore interface {
	DB() *sqlx.DB
	Get(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, id string) (entity.Row, error)
	ExistsActive(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, id string) (bool, error)
	Upsert(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, row entity.Row, syncedAt time.Time) error
	ReserveSyncStamps(ctx context.Context, exec sqlx.ExtContext, n int) (time.Time, error)
	InsertAudit(ctx context.Context, exec sqlx.ExtContext, entry models.AuditLog, syncedAt time.Time) error
}

type stationStatusStore interface {
	Save(ctx context.Context, status models.StationStatus) error
	Get(ctx context.Context, stationID string) (*models.StationStatus, error)
}

// ReconcilerService applies pushed changes to the server tables.
type ReconcilerService struct {
	repo      entityStore
	status    stationStatusStore
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconcilerService constructs the reconciler.
func NewReconcilerService(repo entityStore, status stationStatusStore, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ReconcilerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcilerService{
		repo:      repo,
		status:    status,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type reconcileResult struct {
	entityType models.EntityType
	outcome    string
	failure    *dto.FailedChange
	conflict   bool
}

// Push reconciles every change of the request inside one transaction.
// Per-change rejections and conflicts are reported in the response; a
// database failure aborts the whole request.
func (s *ReconcilerService) Push(ctx context.Context, claims *models.JWTClaims, req dto.PushRequest) (*dto.PushResponse, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid push payload")
	}

	requestTime := s.now()
	var stamp time.Time
	results := make([]reconcileResult, 0, len(req.Changes))
	err := database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		// two stamps per change: the row, then its audit entry
		stamp, err = s.repo.ReserveSyncStamps(ctx, tx, 2*len(req.Changes))
		if err != nil {
			return err
		}
		for i, change := range req.Changes {
			syncedAt := stamp.Add(time.Duration(2*i) * time.Microsecond)
			res, err := s.reconcile(ctx, tx, claims, change, syncedAt)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, s.classify(err)
	}

	resp := &dto.PushResponse{
		FailedChanges:   []dto.FailedChange{},
		Conflicts:       []models.EntityChange{},
		ServerTimestamp: stamp,
	}
	for i, res := range results {
		s.metrics.ObserveReconciled(res.entityType, res.outcome)
		switch {
		case res.failure != nil:
			resp.FailedChanges = append(resp.FailedChanges, *res.failure)
		case res.conflict:
			resp.Conflicts = append(resp.Conflicts, req.Changes[i])
		default:
			resp.ProcessedCount++
		}
	}

	if resp.ProcessedCount > 0 {
		_ = s.cache.Invalidate(ctx, PullCachePattern)
	}
	s.saveStatus(ctx, claims, req, resp, requestTime)

	s.logger.Info("push reconciled",
		zap.String("user_id", claims.UserID),
		zap.Int("changes", len(req.Changes)),
		zap.Int("processed", resp.ProcessedCount),
		zap.Int("failed", len(resp.FailedChanges)),
		zap.Int("conflicts", len(resp.Conflicts)))
	return resp, nil
}

func (s *ReconcilerService) reconcile(ctx context.Context, tx sqlx.ExtContext, claims *models.JWTClaims, change models.EntityChange, syncedAt time.Time) (reconcileResult, error) {
	res := reconcileResult{entityType: change.EntityType}
	reject := func(outcome string, base *appErrors.Error, msg string) (reconcileResult, error) {
		res.outcome = outcome
		res.failure = &dto.FailedChange{EntityChange: change, Error: msg, Code: base.Code}
		return res, nil
	}

	spec, err := entity.Lookup(change.EntityType)
	if err != nil {
		return reject("invalid", appErrors.ErrValidation, err.Error())
	}
	if !entity.CanWrite(claims.Role, change.EntityType) {
		return reject("rejected", appErrors.ErrPermissionDenied,
			fmt.Sprintf("role %s may not write %s", claims.Role, change.EntityType))
	}
	entityID, err := uuid.Parse(change.EntityID)
	if err != nil {
		return reject("invalid", appErrors.ErrValidation, fmt.Sprintf("entity_id %q is not a uuid", change.EntityID))
	}
	incoming, err := spec.Coerce(change.Data)
	if err != nil {
		return reject("invalid", appErrors.ErrValidation, appErrors.FromError(err).Message)
	}

	existing, err := s.repo.Get(ctx, tx, spec, entityID.String())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return res, err
	}

	merged := mergeRow(existing, incoming, entityID.String(), change, claims.UserID)

	if merged["deleted_at"] == nil {
		for _, fk := range spec.ForeignKeys() {
			parentID, ok := merged[fk.Name].(string)
			if !ok || parentID == "" {
				continue
			}
			parent, err := entity.Lookup(fk.References)
			if err != nil {
				return res, err
			}
			exists, err := s.repo.ExistsActive(ctx, tx, parent, parentID)
			if err != nil {
				return res, err
			}
			if !exists {
				return reject("dependency_missing", appErrors.ErrDependencyMissing,
					fmt.Sprintf("%s %s referenced by %s is missing or deleted", fk.References, parentID, fk.Name))
			}
		}
	}

	if existing != nil {
		if current, ok := existing["updated_at"].(time.Time); ok && current.After(change.Timestamp) {
			res.outcome = "conflict"
			res.conflict = true
			return res, nil
		}
	}

	if err := s.repo.Upsert(ctx, tx, spec, merged, syncedAt); err != nil {
		return res, err
	}

	if change.EntityType != models.EntityAuditLog {
		if err := s.audit(ctx, tx, claims, spec, change, existing, merged, syncedAt.Add(time.Microsecond)); err != nil {
			return res, err
		}
	}

	res.outcome = "applied"
	return res, nil
}

// mergeRow overlays the incoming columns on the stored row. updated_at always
// follows the change timestamp and created_at never moves once stored.
func mergeRow(existing, incoming entity.Row, id string, change models.EntityChange, operator string) entity.Row {
	merged := make(entity.Row, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}

	ts := change.Timestamp.UTC()
	merged["id"] = id
	merged["updated_at"] = ts
	if created, ok := existing["created_at"]; ok && created != nil {
		merged["created_at"] = created
	} else if merged["created_at"] == nil {
		merged["created_at"] = ts
	}

	if change.Operation == models.OperationDelete {
		if merged["deleted_at"] == nil {
			merged["deleted_at"] = ts
		}
		if merged["deleted_by"] == nil || merged["deleted_by"] == "" {
			merged["deleted_by"] = operator
		}
	}
	return merged
}

func (s *ReconcilerService) audit(ctx context.Context, tx sqlx.ExtContext, claims *models.JWTClaims, spec entity.Spec, change models.EntityChange, existing, merged entity.Row, syncedAt time.Time) error {
	action := models.AuditActionSyncUpdate
	switch {
	case change.Operation == models.OperationDelete:
		action = models.AuditActionSyncDelete
	case existing == nil:
		action = models.AuditActionSyncCreate
	}

	var oldValues []byte
	if existing != nil {
		oldValues, _ = json.Marshal(spec.Snapshot(existing))
	}
	newValues, _ := json.Marshal(spec.Snapshot(merged))

	var userID *string
	if id, err := uuid.Parse(claims.UserID); err == nil {
		v := id.String()
		userID = &v
	}

	return s.repo.InsertAudit(ctx, tx, models.AuditLog{
		ID:         uuid.NewString(),
		UserID:     userID,
		Action:     action,
		EntityType: string(change.EntityType),
		EntityID:   change.EntityID,
		OldValues:  oldValues,
		NewValues:  newValues,
		CreatedAt:  syncedAt,
	}, syncedAt)
}

func (s *ReconcilerService) classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return appErrors.Wrap(err, appErrors.ErrDependencyConflict.Code, appErrors.ErrDependencyConflict.Status,
			fmt.Sprintf("referenced entity is missing: %s", pqErr.Constraint))
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error("push transaction failed", zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply changes")
}

func (s *ReconcilerService) saveStatus(ctx context.Context, claims *models.JWTClaims, req dto.PushRequest, resp *dto.PushResponse, at time.Time) {
	if s.status == nil {
		return
	}
	stationID := stationKey(claims, req.StationID)
	pending := 0
	if req.PendingCount != nil {
		pending = *req.PendingCount - resp.ProcessedCount
		if pending < 0 {
			pending = 0
		}
	}
	last := at
	if err := s.status.Save(ctx, models.StationStatus{
		StationID:          stationID,
		OperatorID:         claims.UserID,
		PendingPushCount:   pending,
		LastSuccessfulSync: &last,
	}); err != nil {
		s.logger.Warn("store station status", zap.String("station_id", stationID), zap.Error(err))
	}
}

// stationKey picks the station identity: the token's station, then the id
// the request names, then the operator. A token bound to a station can only
// report for that station.
func stationKey(claims *models.JWTClaims, requested string) string {
	switch {
	case claims.StationID != "":
		return claims.StationID
	case requested != "":
		return requested
	default:
		return claims.UserID
	}
}
