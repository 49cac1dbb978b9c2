package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/election-sync/internal/models"
)

// LocalEntityRepository is the station's business store. Each entity is kept
// as its transport snapshot plus the columns sync decisions need.
type LocalEntityRepository struct {
	db *sqlx.DB
}

// NewLocalEntityRepository constructs the repository.
func NewLocalEntityRepository(db *sqlx.DB) *LocalEntityRepository {
	return &LocalEntityRepository{db: db}
}

// DB exposes the handle transactions are opened on.
func (r *LocalEntityRepository) DB() *sqlx.DB {
	return r.db
}

func (r *LocalEntityRepository) ext(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec == nil {
		return r.db
	}
	return exec
}

type localRow struct {
	EntityType string         `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	Data       string         `db:"data"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
	DeletedAt  sql.NullInt64  `db:"deleted_at"`
	DeletedBy  sql.NullString `db:"deleted_by"`
}

func (r localRow) record() (models.LocalRecord, error) {
	var data models.Data
	if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
		return models.LocalRecord{}, fmt.Errorf("decode %s %s: %w", r.EntityType, r.EntityID, err)
	}
	rec := models.LocalRecord{
		EntityType: models.EntityType(r.EntityType),
		EntityID:   r.EntityID,
		Data:       data,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.DeletedAt.Valid {
		deleted := time.Unix(0, r.DeletedAt.Int64).UTC()
		rec.DeletedAt = &deleted
	}
	if r.DeletedBy.Valid {
		by := r.DeletedBy.String
		rec.DeletedBy = &by
	}
	return rec, nil
}

const localColumns = `entity_type, entity_id, data, created_at, updated_at, deleted_at, deleted_by`

// Get loads one record, tombstoned or not. Missing rows return sql.ErrNoRows.
func (r *LocalEntityRepository) Get(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, id string) (*models.LocalRecord, error) {
	var row localRow
	query := `SELECT ` + localColumns + ` FROM local_entities WHERE entity_type = ? AND entity_id = ?`
	if err := sqlx.GetContext(ctx, r.ext(exec), &row, query, string(entityType), id); err != nil {
		return nil, err
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ExistsActive reports whether a non-tombstoned record exists.
func (r *LocalEntityRepository) ExistsActive(ctx context.Context, exec sqlx.ExtContext, entityType models.EntityType, id string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM local_entities WHERE entity_type = ? AND entity_id = ? AND deleted_at IS NULL`
	if err := sqlx.GetContext(ctx, r.ext(exec), &n, query, string(entityType), id); err != nil {
		return false, fmt.Errorf("check %s %s: %w", entityType, id, err)
	}
	return n > 0, nil
}

// List returns active records of a type, most recently updated first.
func (r *LocalEntityRepository) List(ctx context.Context, entityType models.EntityType, includeDeleted bool, limit int) ([]models.LocalRecord, error) {
	query := `SELECT ` + localColumns + ` FROM local_entities WHERE entity_type = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC`
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var rows []localRow
	if err := r.db.SelectContext(ctx, &rows, query, string(entityType)); err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	out := make([]models.LocalRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindTallyLine looks up the active line for a session and party.
func (r *LocalEntityRepository) FindTallyLine(ctx context.Context, exec sqlx.ExtContext, sessionID, partyID string) (*models.LocalRecord, error) {
	var row localRow
	query := `SELECT ` + localColumns + ` FROM local_entities
	WHERE entity_type = ? AND deleted_at IS NULL
	  AND json_extract(data, '$.session_id') = ? AND json_extract(data, '$.party_id') = ?
	ORDER BY updated_at DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, r.ext(exec), &row, query, string(models.EntityTallyLine), sessionID, partyID); err != nil {
		return nil, err
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert writes a record. created_at is kept from the first write.
func (r *LocalEntityRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, rec models.LocalRecord) error {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", rec.EntityType, rec.EntityID, err)
	}
	var deletedAt sql.NullInt64
	if rec.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: rec.DeletedAt.UnixNano(), Valid: true}
	}
	var deletedBy sql.NullString
	if rec.DeletedBy != nil {
		deletedBy = sql.NullString{String: *rec.DeletedBy, Valid: true}
	}
	const query = `INSERT INTO local_entities (` + localColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		deleted_by = excluded.deleted_by`
	if _, err := r.ext(exec).ExecContext(ctx, query,
		string(rec.EntityType), rec.EntityID, string(payload),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), deletedAt, deletedBy); err != nil {
		return fmt.Errorf("upsert %s %s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// CountActive returns active record counts keyed by type.
func (r *LocalEntityRepository) CountActive(ctx context.Context) (map[models.EntityType]int, error) {
	var rows []struct {
		EntityType string `db:"entity_type"`
		Total      int    `db:"total"`
	}
	query := `SELECT entity_type, COUNT(*) AS total FROM local_entities WHERE deleted_at IS NULL GROUP BY entity_type`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count local entities: %w", err)
	}
	out := make(map[models.EntityType]int, len(rows))
	for _, row := range rows {
		out[models.EntityType(row.EntityType)] = row.Total
	}
	return out, nil
}

// GetState reads a sync_state value.
func (r *LocalEntityRepository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a sync_state value.
func (r *LocalEntityRepository) SetState(ctx context.Context, key, value string) error {
	const query = `INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("write sync state %s: %w", key, err)
	}
	return nil
}

// InsertAudit records a local audit row for a sync-driven change.
func (r *LocalEntityRepository) InsertAudit(ctx context.Context, exec sqlx.ExtContext, entry models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sync_audit (id, entity_type, entity_id, action, old_values, new_values, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.ext(exec).ExecContext(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		nullableJSON(entry.OldValues), nullableJSON(entry.NewValues), entry.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert sync audit: %w", err)
	}
	return nil
}

// ListAudit returns the latest local audit rows.
func (r *LocalEntityRepository) ListAudit(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []struct {
		ID         string         `db:"id"`
		EntityType string         `db:"entity_type"`
		EntityID   string         `db:"entity_id"`
		Action     string         `db:"action"`
		OldValues  sql.NullString `db:"old_values"`
		NewValues  sql.NullString `db:"new_values"`
		CreatedAt  int64          `db:"created_at"`
	}
	query := fmt.Sprintf(`SELECT id, entity_type, entity_id, action, old_values, new_values, created_at
	FROM sync_audit ORDER BY created_at DESC LIMIT %d`, limit)
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list sync audit: %w", err)
	}
	out := make([]models.AuditLog, 0, len(rows))
	for _, row := range rows {
		entry := models.AuditLog{
			ID:         row.ID,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			CreatedAt:  time.Unix(0, row.CreatedAt).UTC(),
		}
		if row.OldValues.Valid {
			entry.OldValues = []byte(row.OldValues.String)
		}
		if row.NewValues.Valid {
			entry.NewValues = []byte(row.NewValues.String)
		}
		out = append(out, entry)
	}
	return out, nil
}

func nullableJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
