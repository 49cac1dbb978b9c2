package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/election-sync/internal/entity"
	"github.com/noah-isme/election-sync/internal/models"
)

// EntityRepository reads and writes the server's synchronised tables.
type EntityRepository struct {
	db *sqlx.DB
}

// NewEntityRepository constructs the repository.
func NewEntityRepository(db *sqlx.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// DB exposes the handle transactions are opened on.
func (r *EntityRepository) DB() *sqlx.DB {
	return r.db
}

func (r *EntityRepository) ext(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec == nil {
		return r.db
	}
	return exec
}

// Get loads the row for id, locking it for the rest of the transaction.
// It returns sql.ErrNoRows when the row does not exist.
func (r *EntityRepository) Get(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, id string) (entity.Row, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, strings.Join(spec.ColumnNames(), ", "), spec.Table)
	raw := map[string]interface{}{}
	if err := r.ext(exec).QueryRowxContext(ctx, query, id).MapScan(raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get %s %s: %w", spec.Type, id, err)
	}
	return normaliseRow(spec, raw), nil
}

// ExistsActive reports whether a non-tombstoned row with id exists.
func (r *EntityRepository) ExistsActive(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND deleted_at IS NULL)`, spec.Table)
	var exists bool
	if err := sqlx.GetContext(ctx, r.ext(exec), &exists, query, id); err != nil {
		return false, fmt.Errorf("check %s %s: %w", spec.Type, id, err)
	}
	return exists, nil
}

// Upsert writes the columns present in row and stamps synced_at. created_at
// is never overwritten on update.
func (r *EntityRepository) Upsert(ctx context.Context, exec sqlx.ExtContext, spec entity.Spec, row entity.Row, syncedAt time.Time) error {
	cols := make([]string, 0, len(row)+1)
	args := make([]interface{}, 0, len(row)+1)
	updates := make([]string, 0, len(row))
	for _, name := range spec.ColumnNames() {
		v, ok := row[name]
		if !ok {
			continue
		}
		cols = append(cols, name)
		args = append(args, v)
		if name != "id" && name != "created_at" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}
	cols = append(cols, "synced_at")
	args = append(args, syncedAt)
	updates = append(updates, "synced_at = EXCLUDED.synced_at")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		spec.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if _, err := r.ext(exec).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", spec.Type, err)
	}
	return nil
}

// ReserveSyncStamps hands out n consecutive synced_at values, one microsecond
// apart, from the database clock and returns the first. The watermark row stays
// locked until exec's transaction ends: pushes stamp and commit one at a time,
// so no row can become visible behind a cursor a station already holds.
func (r *EntityRepository) ReserveSyncStamps(ctx context.Context, exec sqlx.ExtContext, n int) (time.Time, error) {
	if n < 1 {
		n = 1
	}
	const query = `UPDATE sync_watermark
	SET last_synced_at = GREATEST(clock_timestamp(), last_synced_at + interval '1 microsecond') + ($1::int - 1) * interval '1 microsecond'
	WHERE id = 1
	RETURNING last_synced_at`
	var last time.Time
	if err := sqlx.GetContext(ctx, r.ext(exec), &last, query, n); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, fmt.Errorf("reserve sync stamps: watermark row missing")
		}
		return time.Time{}, fmt.Errorf("reserve sync stamps: %w", err)
	}
	return last.UTC().Add(-time.Duration(n-1) * time.Microsecond), nil
}

// InsertAudit stores an audit entry as an AuditLog entity so it travels on pull.
func (r *EntityRepository) InsertAudit(ctx context.Context, exec sqlx.ExtContext, entry models.AuditLog, syncedAt time.Time) error {
	const query = `INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, old_values, new_values, created_at, updated_at, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)`
	if _, err := r.ext(exec).ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		nullableJSON(entry.OldValues), nullableJSON(entry.NewValues), entry.CreatedAt, syncedAt,
	); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// PulledRow is one row of the pull union.
type PulledRow struct {
	EntityType string       `db:"entity_type"`
	EntityID   string       `db:"entity_id"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	SyncedAt   time.Time    `db:"synced_at"`
	DeletedAt  sql.NullTime `db:"deleted_at"`
	Payload    string       `db:"payload"`
}

// Pull returns rows of the given types synced strictly after since, ordered
// by (synced_at, entity_type, entity_id). Tombstones are included.
func (r *EntityRepository) Pull(ctx context.Context, types []models.EntityType, since time.Time, limit, offset int) ([]PulledRow, error) {
	if len(types) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(types))
	for _, t := range types {
		spec, err := entity.Lookup(t)
		if err != nil {
			return nil, err
		}
		parts = append(parts, fmt.Sprintf(
			`SELECT '%s' AS entity_type, t.id::text AS entity_id, t.created_at, t.updated_at, t.synced_at, t.deleted_at, row_to_json(t)::text AS payload FROM %s t WHERE t.synced_at > $1`,
			spec.Type, spec.Table))
	}
	query := strings.Join(parts, " UNION ALL ") + ` ORDER BY synced_at, entity_type, entity_id LIMIT $2 OFFSET $3`

	var rows []PulledRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, since, limit, offset); err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}
	return rows, nil
}

// CountSince counts the rows Pull would page through.
func (r *EntityRepository) CountSince(ctx context.Context, types []models.EntityType, since time.Time) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	parts := make([]string, 0, len(types))
	for _, t := range types {
		spec, err := entity.Lookup(t)
		if err != nil {
			return 0, err
		}
		parts = append(parts, fmt.Sprintf(`SELECT COUNT(*) AS c FROM %s WHERE synced_at > $1`, spec.Table))
	}
	query := `SELECT COALESCE(SUM(c), 0) FROM (` + strings.Join(parts, " UNION ALL ") + `) counts`

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, query, since); err != nil {
		return 0, fmt.Errorf("count pull changes: %w", err)
	}
	return total, nil
}

// normaliseRow turns driver values into the native kinds the registry expects.
func normaliseRow(spec entity.Spec, raw map[string]interface{}) entity.Row {
	row := make(entity.Row, len(raw))
	for _, col := range spec.AllColumns() {
		v, ok := raw[col.Name]
		if !ok {
			continue
		}
		if b, isBytes := v.([]byte); isBytes && col.Kind != entity.KindInt {
			v = string(b)
		}
		if ts, isTime := v.(time.Time); isTime {
			v = ts.UTC()
		}
		row[col.Name] = v
	}
	return row
}
