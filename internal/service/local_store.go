package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/pkg/database"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

const (
	stateCursor          = "pull_cursor"
	stateLastSuccessSync = "last_successful_sync"
)

// LocalEntityStore abstracts the station's SQLite business tables.
type LocalEntityStore interface {
	DB() *sqlx.DB
	Get(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, id string) (*models.LocalRecord, error)
	ExistsActive(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, id string) (bool, error)
	List(ctx context.Context, entityType models.EntityType, includeDeleted bool, limit int) ([]models.LocalRecord, error)
	FindTallyLine(ctx context.Context, exec sqlx.ExtContext, sessionID, partyID string) (*models.LocalRecord, error)
	Upsert(ctx context.Context, exec sqlx.ExtContext, rec models.LocalRecord) error
	CountActive(ctx context.Context) (map[models.EntityType]int, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	InsertAudit(ctx context.Context, exec sqlx.ExtContext, entry models.AuditLog) error
	ListAudit(ctx context.Context, limit int) ([]models.AuditLog, error)
}

// LocalStore applies remote changes to the station store under last-write-wins
// and keeps the pull cursor.
type LocalStore struct {
	repo   LocalEntityStore
	logger *zap.Logger
}

// NewLocalStore constructs the store service.
func NewLocalStore(repo LocalEntityStore, logger *zap.Logger) *LocalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{repo: repo, logger: logger}
}

// Get returns the local copy of an entity or nil when none exists.
func (s *LocalStore) Get(ctx context.Context, entityType models.EntityType, id string) (*models.LocalRecord, error) {
	rec, err := s.repo.Get(ctx, nil, entityType, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ApplyRemote resolves a pulled change against the local row. A missing row is
// created and a strictly newer local row wins. A change that would leave the
// row as stored, such as the echo of the station's own push, is skipped.
// Otherwise the remote fields overwrite the local ones and a REMOTE_APPLY
// audit row is written.
func (s *LocalStore) ApplyRemote(ctx context.Context, change models.EntityChange) (models.ApplyOutcome, error) {
	if !change.EntityType.Valid() {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown entity type %q", change.EntityType))
	}
	if change.EntityID == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "entity id is required")
	}

	var outcome models.ApplyOutcome
	err := database.WithTx(ctx, s.repo.DB(), nil, func(ctx context.Context, tx *sqlx.Tx) error {
		existing, err := s.repo.Get(ctx, tx, change.EntityType, change.EntityID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if existing == nil {
			rec, err := recordFromData(change.EntityType, change.EntityID, change.Data.Clone(), change.Timestamp)
			if err != nil {
				return err
			}
			outcome = models.ApplyCreated
			return s.repo.Upsert(ctx, tx, rec)
		}

		if existing.UpdatedAt.After(change.Timestamp) {
			outcome = models.ApplySkipped
			s.logger.Debug("remote change older than local copy",
				zap.String("entity_type", string(change.EntityType)),
				zap.String("entity_id", change.EntityID),
				zap.Time("local_updated_at", existing.UpdatedAt),
				zap.Time("remote_timestamp", change.Timestamp))
			return nil
		}

		if existing.UpdatedAt.Equal(change.Timestamp) && unchanged(existing.Data, change.Data) {
			outcome = models.ApplySkipped
			return nil
		}

		merged := existing.Data.Clone()
		for k, v := range change.Data {
			merged[k] = v
		}
		rec, err := recordFromData(change.EntityType, change.EntityID, merged, change.Timestamp)
		if err != nil {
			return err
		}
		rec.CreatedAt = existing.CreatedAt
		if err := s.repo.Upsert(ctx, tx, rec); err != nil {
			return err
		}
		outcome = models.ApplyUpdated

		oldValues, _ := json.Marshal(existing.Data)
		newValues, _ := json.Marshal(rec.Data)
		return s.repo.InsertAudit(ctx, tx, models.AuditLog{
			Action:     models.AuditActionRemoteApply,
			EntityType: string(change.EntityType),
			EntityID:   change.EntityID,
			OldValues:  oldValues,
			NewValues:  newValues,
		})
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// RecordRejected keeps a pulled change that can never be applied in the local
// audit trail, so the pull cursor can move past it.
func (s *LocalStore) RecordRejected(ctx context.Context, change models.EntityChange, reason string) error {
	payload, err := json.Marshal(map[string]interface{}{"error": reason, "change": change})
	if err != nil {
		return fmt.Errorf("encode rejected change: %w", err)
	}
	return s.repo.InsertAudit(ctx, nil, models.AuditLog{
		Action:     models.AuditActionRemoteReject,
		EntityType: string(change.EntityType),
		EntityID:   change.EntityID,
		NewValues:  payload,
	})
}

// unchanged reports whether overlaying incoming on stored changes nothing.
// A key the station never stored matches a null or zero incoming value.
func unchanged(stored, incoming models.Data) bool {
	for k, v := range incoming {
		old, ok := stored[k]
		if !ok {
			if !zeroValue(v) {
				return false
			}
			continue
		}
		if !sameValue(old, v) {
			return false
		}
	}
	return true
}

func sameValue(a, b interface{}) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			if as == bs {
				return true
			}
			at, aerr := time.Parse(time.RFC3339Nano, as)
			bt, berr := time.Parse(time.RFC3339Nano, bs)
			return aerr == nil && berr == nil && at.Equal(bt)
		}
	}
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	return aerr == nil && berr == nil && bytes.Equal(aj, bj)
}

func zeroValue(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	}
	raw, err := json.Marshal(v)
	return err == nil && string(raw) == "0"
}

// recordFromData builds a local record whose columns mirror data.
// updated_at is forced to timestamp.
func recordFromData(entityType models.EntityType, id string, data models.Data, timestamp time.Time) (models.LocalRecord, error) {
	timestamp = timestamp.UTC()
	data["id"] = id
	data["updated_at"] = models.FormatTime(timestamp)

	rec := models.LocalRecord{
		EntityType: entityType,
		EntityID:   id,
		Data:       data,
		CreatedAt:  timestamp,
		UpdatedAt:  timestamp,
	}
	created, err := data.Time("created_at")
	if err != nil {
		return rec, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid created_at")
	}
	if created != nil {
		rec.CreatedAt = *created
	} else {
		data["created_at"] = models.FormatTime(timestamp)
	}
	deleted, err := data.Time("deleted_at")
	if err != nil {
		return rec, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid deleted_at")
	}
	rec.DeletedAt = deleted
	if by, ok := data.String("deleted_by"); ok {
		rec.DeletedBy = &by
	}
	return rec, nil
}

// Cursor returns the last pulled server timestamp, nil before the first pull.
func (s *LocalStore) Cursor(ctx context.Context) (*time.Time, error) {
	return s.readTime(ctx, stateCursor)
}

// SetCursor advances the pull cursor.
func (s *LocalStore) SetCursor(ctx context.Context, ts time.Time) error {
	return s.repo.SetState(ctx, stateCursor, models.FormatTime(ts))
}

// LastSuccessfulSync returns when a cycle last completed without errors.
func (s *LocalStore) LastSuccessfulSync(ctx context.Context) (*time.Time, error) {
	return s.readTime(ctx, stateLastSuccessSync)
}

// SetLastSuccessfulSync records a successful cycle.
func (s *LocalStore) SetLastSuccessfulSync(ctx context.Context, ts time.Time) error {
	return s.repo.SetState(ctx, stateLastSuccessSync, models.FormatTime(ts))
}

// AuditTrail returns recent sync audit rows.
func (s *LocalStore) AuditTrail(ctx context.Context, limit int) ([]models.AuditLog, error) {
	return s.repo.ListAudit(ctx, limit)
}

func (s *LocalStore) readTime(ctx context.Context, key string) (*time.Time, error) {
	raw, ok, err := s.repo.GetState(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	ts = ts.UTC()
	return &ts, nil
}
