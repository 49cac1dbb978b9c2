package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/ordering"
	"github.com/noah-isme/election-sync/internal/repository"
	"github.com/noah-isme/election-sync/pkg/backoff"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// QueueStore abstracts the durable queue table.
type QueueStore interface {
	Insert(ctx context.Context, exec sqlx.ExtContext, entry *models.QueueEntry) error
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	List(ctx context.Context, filter repository.ListFilter) ([]models.QueueEntry, error)
	RetryReady(ctx context.Context, now time.Time) ([]models.QueueEntry, error)
	Delete(ctx context.Context, ids []string) (int64, error)
	UpdateState(ctx context.Context, params repository.UpdateStateParams) error
	Requeue(ctx context.Context, from models.QueueStatus, resetRetries bool) (int64, error)
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error)
}

// ChangeQueueConfig carries the retry policy.
type ChangeQueueConfig struct {
	MaxRetries int
	Backoff    backoff.Strategy
	Orderer    *ordering.Orderer
}

// ChangeQueue is the station's durable, ordered store of outbound changes.
// Every mutation of queue state goes through mu.
type ChangeQueue struct {
	store      QueueStore
	orderer    *ordering.Orderer
	backoff    backoff.Strategy
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewChangeQueue constructs the queue service.
func NewChangeQueue(store QueueStore, cfg ChangeQueueConfig, logger *zap.Logger) *ChangeQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Orderer == nil {
		cfg.Orderer = ordering.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff.Base < 1 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = backoff.New(2, 300*time.Second)
	}
	return &ChangeQueue{
		store:      store,
		orderer:    cfg.Orderer,
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxRetries exposes the configured retry budget.
func (q *ChangeQueue) MaxRetries() int { return q.maxRetries }

// Enqueue records a change outside any caller transaction.
func (q *ChangeQueue) Enqueue(ctx context.Context, entityType models.EntityType, entityID string, op models.Operation, data models.Data) (*models.EntityChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueue(ctx, nil, entityType, entityID, op, data)
}

// EnqueueTx records a change inside the caller's transaction so the business
// write and the queue entry commit or roll back together. The caller's
// transaction already serialises the write, so the queue mutex is not taken.
func (q *ChangeQueue) EnqueueTx(ctx context.Context, tx sqlx.ExtContext, entityType models.EntityType, entityID string, op models.Operation, data models.Data) (*models.EntityChange, error) {
	if tx == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "enqueue requires a transaction")
	}
	return q.enqueue(ctx, tx, entityType, entityID, op, data)
}

func (q *ChangeQueue) enqueue(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, entityID string, op models.Operation, data models.Data) (*models.EntityChange, error) {
	if !entityType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if !op.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown operation %q", op))
	}
	if entityID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "entity id is required")
	}

	now := q.now()
	timestamp := now
	if ts, err := data.Time("updated_at"); err == nil && ts != nil {
		timestamp = *ts
	}

	entry := &models.QueueEntry{
		EntityChange: models.EntityChange{
			ID:         uuid.NewString(),
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  op,
			Data:       data.Clone(),
			Timestamp:  timestamp,
		},
		Status:     models.QueueStatusPending,
		EnqueuedAt: now,
	}
	if err := q.store.Insert(ctx, exec, entry); err != nil {
		return nil, err
	}
	change := entry.EntityChange
	return &change, nil
}

// PendingFilter narrows PendingOrdered.
type PendingFilter struct {
	Limit int
	Types []models.EntityType
}

// PendingOrdered returns pending entries parents-first with insertion order as
// the tie-break. The limit is applied after ordering.
func (q *ChangeQueue) PendingOrdered(ctx context.Context, filter PendingFilter) ([]models.QueueEntry, error) {
	entries, err := q.store.List(ctx, repository.ListFilter{
		Statuses: []models.QueueStatus{models.QueueStatusPending},
		Types:    filter.Types,
	})
	if err != nil {
		return nil, err
	}
	q.orderer.SortEntries(entries)
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// RetryReady returns retry-scheduled entries whose backoff has elapsed.
func (q *ChangeQueue) RetryReady(ctx context.Context) ([]models.QueueEntry, error) {
	return q.store.RetryReady(ctx, q.now())
}

// MarkSynced removes confirmed entries.
func (q *ChangeQueue) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.store.Delete(ctx, ids)
	return err
}

// MarkFailed records a failed attempt. Once attempt reaches the retry budget
// the entry becomes terminally failed; otherwise it is scheduled after backoff.
func (q *ChangeQueue) MarkFailed(ctx context.Context, id, msg string, attempt int) (models.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, id)
	if err != nil {
		return "", err
	}
	params := repository.UpdateStateParams{
		ID:         id,
		RetryCount: attempt,
		LastError:  &msg,
		Conflicted: entry.Conflicted,
	}
	if attempt >= q.maxRetries {
		params.Status = models.QueueStatusFailed
	} else {
		next := q.backoff.NextAttemptAt(q.now(), attempt)
		params.Status = models.QueueStatusRetryScheduled
		params.NextRetryAt = &next
	}
	if err := q.store.UpdateState(ctx, params); err != nil {
		return "", err
	}
	if params.Status == models.QueueStatusFailed {
		q.logger.Warn("queue entry exhausted retries",
			zap.String("change_id", id),
			zap.String("entity_type", string(entry.EntityType)),
			zap.Int("attempt", attempt),
			zap.String("error", msg))
	}
	return params.Status, nil
}

// HandleDependencyConflict parks an entry until its parent has synced.
func (q *ChangeQueue) HandleDependencyConflict(ctx context.Context, id, description string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	return q.store.UpdateState(ctx, repository.UpdateStateParams{
		ID:         id,
		Status:     models.QueueStatusDependencyConflict,
		RetryCount: entry.RetryCount,
		LastError:  &description,
		Conflicted: entry.Conflicted,
	})
}

// MarkConflicted flags an entry the server rejected as stale. The entry stays
// pending. It reports whether the entry had already been flagged.
func (q *ChangeQueue) MarkConflicted(ctx context.Context, id, description string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, id)
	if err != nil {
		return false, err
	}
	if entry.Conflicted {
		return true, nil
	}
	return false, q.store.UpdateState(ctx, repository.UpdateStateParams{
		ID:         id,
		Status:     models.QueueStatusPending,
		RetryCount: entry.RetryCount,
		LastError:  &description,
		Conflicted: true,
	})
}

// MarkRejected fails an entry the server refused on permission or validation
// grounds. Such entries are not retried automatically.
func (q *ChangeQueue) MarkRejected(ctx context.Context, id, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	return q.store.UpdateState(ctx, repository.UpdateStateParams{
		ID:         id,
		Status:     models.QueueStatusFailed,
		RetryCount: entry.RetryCount,
		LastError:  &msg,
		Conflicted: entry.Conflicted,
	})
}

// Drop discards an entry that was superseded by a newer server value.
func (q *ChangeQueue) Drop(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.Delete(ctx, []string{id})
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Info("queue entry dropped", zap.String("change_id", id), zap.String("reason", reason))
	}
	return nil
}

// RequeueDependencyConflicts returns parked entries to pending.
func (q *ChangeQueue) RequeueDependencyConflicts(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.store.Requeue(ctx, models.QueueStatusDependencyConflict, false)
	return int(n), err
}

// RequeueFailed gives terminally failed entries a fresh retry budget.
func (q *ChangeQueue) RequeueFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.store.Requeue(ctx, models.QueueStatusFailed, true)
	return int(n), err
}

// Get returns one entry or ErrNotFound.
func (q *ChangeQueue) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.get(ctx, id)
}

func (q *ChangeQueue) get(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("queue entry %s not found", id))
		}
		return nil, err
	}
	return entry, nil
}

// List returns entries in insertion order, optionally filtered by status.
func (q *ChangeQueue) List(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueEntry, error) {
	filter := repository.ListFilter{Limit: limit}
	if status != "" {
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown queue status %q", status))
		}
		filter.Statuses = []models.QueueStatus{status}
	}
	return q.store.List(ctx, filter)
}

// Counters summarises the queue by status.
func (q *ChangeQueue) Counters(ctx context.Context) (models.QueueCounters, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return models.QueueCounters{}, err
	}
	c := models.QueueCounters{
		Pending:            counts[models.QueueStatusPending],
		RetryScheduled:     counts[models.QueueStatusRetryScheduled],
		DependencyConflict: counts[models.QueueStatusDependencyConflict],
		Failed:             counts[models.QueueStatusFailed],
	}
	for _, n := range counts {
		c.Size += n
	}
	return c, nil
}

// QueueSize counts every stored entry, failed ones included.
func (q *ChangeQueue) QueueSize(ctx context.Context) (int, error) {
	c, err := q.Counters(ctx)
	return c.Size, err
}

// PendingCount counts entries awaiting their first or next transmission.
func (q *ChangeQueue) PendingCount(ctx context.Context) (int, error) {
	c, err := q.Counters(ctx)
	return c.Pending, err
}

// RetryCount counts entries waiting out a backoff.
func (q *ChangeQueue) RetryCount(ctx context.Context) (int, error) {
	c, err := q.Counters(ctx)
	return c.RetryScheduled, err
}

// FailedCount counts terminally failed entries.
func (q *ChangeQueue) FailedCount(ctx context.Context) (int, error) {
	c, err := q.Counters(ctx)
	return c.Failed, err
}

// DependencyConflictCount counts entries parked on a missing parent.
func (q *ChangeQueue) DependencyConflictCount(ctx context.Context) (int, error) {
	c, err := q.Counters(ctx)
	return c.DependencyConflict, err
}
