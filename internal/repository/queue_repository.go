package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/election-sync/internal/models"
)

// QueueRepository persists the station's durable change queue in SQLite.
// Times are stored as unix nanoseconds.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `seq, id, entity_type, entity_id, operation, data, timestamp, retry_count,
	status, next_retry_at, last_error, conflicted, enqueued_at`

type queueRow struct {
	Seq         int64          `db:"seq"`
	ID          string         `db:"id"`
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	Operation   string         `db:"operation"`
	Data        string         `db:"data"`
	Timestamp   int64          `db:"timestamp"`
	RetryCount  int            `db:"retry_count"`
	Status      string         `db:"status"`
	NextRetryAt sql.NullInt64  `db:"next_retry_at"`
	LastError   sql.NullString `db:"last_error"`
	Conflicted  bool           `db:"conflicted"`
	EnqueuedAt  int64          `db:"enqueued_at"`
}

func (r queueRow) entry() (models.QueueEntry, error) {
	var data models.Data
	if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode queue entry %s: %w", r.ID, err)
	}
	entry := models.QueueEntry{
		EntityChange: models.EntityChange{
			ID:         r.ID,
			EntityType: models.EntityType(r.EntityType),
			EntityID:   r.EntityID,
			Operation:  models.Operation(r.Operation),
			Data:       data,
			Timestamp:  time.Unix(0, r.Timestamp).UTC(),
			RetryCount: r.RetryCount,
		},
		Seq:        r.Seq,
		Status:     models.QueueStatus(r.Status),
		Conflicted: r.Conflicted,
		EnqueuedAt: time.Unix(0, r.EnqueuedAt).UTC(),
	}
	if r.NextRetryAt.Valid {
		next := time.Unix(0, r.NextRetryAt.Int64).UTC()
		entry.NextRetryAt = &next
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		entry.LastError = &msg
	}
	return entry, nil
}

func toEntries(rows []queueRow) ([]models.QueueEntry, error) {
	entries := make([]models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Insert adds a pending entry using exec, which may be the caller's transaction.
func (r *QueueRepository) Insert(ctx context.Context, exec sqlx.ExtContext, entry *models.QueueEntry) error {
	if exec == nil {
		exec = r.db
	}
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("encode queue entry %s: %w", entry.ID, err)
	}
	const query = `INSERT INTO sync_queue
	(id, entity_type, entity_id, operation, data, timestamp, retry_count, status, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := exec.ExecContext(ctx, query,
		entry.ID, string(entry.EntityType), entry.EntityID, string(entry.Operation), string(payload),
		entry.Timestamp.UnixNano(), entry.RetryCount, string(entry.Status), entry.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	return nil
}

// Get fetches an entry by change id.
func (r *QueueRepository) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	var row queueRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	entry, err := row.entry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListFilter narrows ListByStatus.
type ListFilter struct {
	Statuses []models.QueueStatus
	Types    []models.EntityType
	Limit    int
}

// List returns entries matching the filter in insertion order.
func (r *QueueRepository) List(ctx context.Context, filter ListFilter) ([]models.QueueEntry, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + queueColumns + ` FROM sync_queue`)
	args := make([]interface{}, 0, len(filter.Statuses)+len(filter.Types))
	conditions := make([]string, 0, 2)

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, fmt.Sprintf("entity_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY seq ASC")
	if filter.Limit > 0 {
		builder.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	var rows []queueRow
	if err := r.db.SelectContext(ctx, &rows, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return toEntries(rows)
}

// RetryReady returns retry-scheduled entries due at or before now.
func (r *QueueRepository) RetryReady(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	const query = `SELECT ` + queueColumns + ` FROM sync_queue
	WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
	ORDER BY seq ASC`
	var rows []queueRow
	if err := r.db.SelectContext(ctx, &rows, query, string(models.QueueStatusRetryScheduled), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("list retry-ready entries: %w", err)
	}
	return toEntries(rows)
}

// Delete removes entries by change id and reports how many were removed.
func (r *QueueRepository) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM sync_queue WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("build queue delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete queue entries: %w", err)
	}
	return res.RowsAffected()
}

// UpdateStateParams groups the mutable delivery columns.
type UpdateStateParams struct {
	ID          string
	Status      models.QueueStatus
	RetryCount  int
	NextRetryAt *time.Time
	LastError   *string
	Conflicted  bool
}

// UpdateState overwrites the delivery state of one entry.
func (r *QueueRepository) UpdateState(ctx context.Context, params UpdateStateParams) error {
	var next sql.NullInt64
	if params.NextRetryAt != nil {
		next = sql.NullInt64{Int64: params.NextRetryAt.UnixNano(), Valid: true}
	}
	var lastErr sql.NullString
	if params.LastError != nil {
		lastErr = sql.NullString{String: *params.LastError, Valid: true}
	}
	const query = `UPDATE sync_queue
	SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, conflicted = ?
	WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, string(params.Status), params.RetryCount, next, lastErr, params.Conflicted, params.ID)
	if err != nil {
		return fmt.Errorf("update queue entry %s: %w", params.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check queue update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Requeue moves every entry in from back to pending. resetRetries also zeroes
// the retry counter.
func (r *QueueRepository) Requeue(ctx context.Context, from models.QueueStatus, resetRetries bool) (int64, error) {
	query := `UPDATE sync_queue SET status = ?, next_retry_at = NULL, conflicted = 0`
	if resetRetries {
		query += `, retry_count = 0`
	}
	query += ` WHERE status = ?`
	res, err := r.db.ExecContext(ctx, query, string(models.QueueStatusPending), string(from))
	if err != nil {
		return 0, fmt.Errorf("requeue %s entries: %w", from, err)
	}
	return res.RowsAffected()
}

// CountByStatus returns entry counts keyed by status.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Total  int    `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS total FROM sync_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	out := make(map[models.QueueStatus]int, len(rows))
	for _, row := range rows {
		out[models.QueueStatus(row.Status)] = row.Total
	}
	return out, nil
}
