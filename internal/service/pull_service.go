package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/entity"
	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/repository"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)

type pullSource interface {
	Pull(ctx context.Context, types []models.EntityType, since time.Time, limit, offset int) ([]repository.PulledRow, error)
	CountSince(ctx context.Context, types []models.EntityType, since time.Time) (int, error)
}

// PullService pages server changes newer than a client's cursor.
type PullService struct {
	repo     pullSource
	cache    *CacheService
	cacheTTL time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// NewPullService constructs the pull service.
func NewPullService(repo pullSource, cache *CacheService, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *PullService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PullService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Pull returns one page of changes visible to role. The bool reports a cache hit.
func (s *PullService) Pull(ctx context.Context, role models.UserRole, q dto.PullQuery) (*dto.PullResponse, bool, error) {
	if !role.Valid() {
		return nil, false, appErrors.ErrForbidden
	}
	if q.Offset < 0 {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "offset must not be negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPullLimit
	case q.Limit > maxPullLimit:
		q.Limit = maxPullLimit
	}

	key := pullCacheKey(role, q)
	var cached dto.PullResponse
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, true, nil
	}

	since := time.Unix(0, 0).UTC()
	if q.LastSync != nil {
		since = q.LastSync.UTC()
	}
	types := entity.Visible(role)

	start := time.Now()
	rows, err := s.repo.Pull(ctx, types, since, q.Limit, q.Offset)
	s.metrics.ObserveDBQuery("pull_page", time.Since(start))
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load changes")
	}
	start = time.Now()
	total, err := s.repo.CountSince(ctx, types, since)
	s.metrics.ObserveDBQuery("pull_count", time.Since(start))
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count changes")
	}

	resp := &dto.PullResponse{
		Changes:        make([]models.EntityChange, 0, len(rows)),
		HasMore:        q.Offset+len(rows) < total,
		TotalAvailable: total,
	}
	var maxSynced time.Time
	for _, row := range rows {
		change, err := toChange(row)
		if err != nil {
			s.logger.Error("skip unreadable row", zap.String("entity_type", row.EntityType), zap.String("entity_id", row.EntityID), zap.Error(err))
			continue
		}
		resp.Changes = append(resp.Changes, change)
		if row.SyncedAt.After(maxSynced) {
			maxSynced = row.SyncedAt.UTC()
		}
	}

	switch {
	case !maxSynced.IsZero():
		resp.ServerTimestamp = maxSynced
	case q.LastSync != nil:
		resp.ServerTimestamp = q.LastSync.UTC()
	default:
		resp.ServerTimestamp = s.now()
	}

	s.metrics.AddSyncChanges("pull", "served", len(resp.Changes))
	_ = s.cache.Set(ctx, key, resp, s.cacheTTL)
	return resp, false, nil
}

func pullCacheKey(role models.UserRole, q dto.PullQuery) string {
	cursor := "0"
	if q.LastSync != nil {
		cursor = fmt.Sprintf("%d", q.LastSync.UnixNano())
	}
	return fmt.Sprintf("sync:pull:%s:%s:%d:%d", role, cursor, q.Limit, q.Offset)
}

// toChange rebuilds a transport change from a pulled row. Tombstones are
// emitted as UPDATE so stations soft-delete their copy.
func toChange(row repository.PulledRow) (models.EntityChange, error) {
	typ := models.EntityType(row.EntityType)
	spec, err := entity.Lookup(typ)
	if err != nil {
		return models.EntityChange{}, err
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(row.Payload)))
	decoder.UseNumber()
	var raw models.Data
	if err := decoder.Decode(&raw); err != nil {
		return models.EntityChange{}, fmt.Errorf("decode payload: %w", err)
	}
	native, err := spec.Coerce(raw)
	if err != nil {
		return models.EntityChange{}, err
	}

	op := models.OperationUpdate
	if !row.DeletedAt.Valid && row.CreatedAt.Equal(row.UpdatedAt) {
		op = models.OperationCreate
	}
	updated := row.UpdatedAt.UTC()
	return models.EntityChange{
		ID:         changeID(typ, row.EntityID, updated),
		EntityType: typ,
		EntityID:   row.EntityID,
		Operation:  op,
		Data:       spec.Snapshot(native),
		Timestamp:  updated,
	}, nil
}

// changeID is stable for a given row version so re-pulled pages carry the same ids.
func changeID(typ models.EntityType, id string, updated time.Time) string {
	name := fmt.Sprintf("%s/%s/%s", typ, id, models.FormatTime(updated))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
