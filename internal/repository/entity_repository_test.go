package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/entity"
	"github.com/noah-isme/election-sync/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func mustSpec(t *testing.T, typ models.EntityType) entity.Spec {
	t.Helper()
	spec, err := entity.Lookup(typ)
	require.NoError(t, err)
	return spec
}

func TestEntityGetNormalisesDriverValues(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)
	spec := mustSpec(t, models.EntityTallyLine)

	now := time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "created_at", "updated_at", "deleted_at", "deleted_by", "session_id", "party_id", "votes"}).
		AddRow([]byte("7f1c1b9e-0000-4000-8000-000000000001"), now, now, nil, nil,
			[]byte("7f1c1b9e-0000-4000-8000-000000000002"), []byte("7f1c1b9e-0000-4000-8000-000000000003"), int64(42))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, created_at, updated_at, deleted_at, deleted_by, session_id, party_id, votes FROM tally_lines WHERE id = $1 FOR UPDATE")).
		WithArgs("7f1c1b9e-0000-4000-8000-000000000001").
		WillReturnRows(rows)

	row, err := repo.Get(context.Background(), nil, spec, "7f1c1b9e-0000-4000-8000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, "7f1c1b9e-0000-4000-8000-000000000002", row["session_id"])
	assert.Equal(t, int64(42), row["votes"])
	assert.Equal(t, now, row["updated_at"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityGetMissingRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	mock.ExpectQuery("SELECT .* FROM pens WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), nil, mustSpec(t, models.EntityPen), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityExistsActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM parties WHERE id = $1 AND deleted_at IS NULL)")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.ExistsActive(context.Background(), nil, mustSpec(t, models.EntityParty), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityUpsertWritesPresentColumns(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	now := time.Now().UTC()
	synced := now.Add(time.Microsecond)
	row := entity.Row{"id": "v1", "created_at": now, "updated_at": now, "full_name": "Ana", "has_voted": true}

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO voters (id, created_at, updated_at, full_name, has_voted, synced_at) VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at, full_name = EXCLUDED.full_name, has_voted = EXCLUDED.has_voted, synced_at = EXCLUDED.synced_at")).
		WithArgs("v1", now, now, "Ana", true, synced).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), nil, mustSpec(t, models.EntityVoter), row, synced)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityPullUnionsVisibleTables(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	since := time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)
	now := since.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"entity_type", "entity_id", "created_at", "updated_at", "synced_at", "deleted_at", "payload"}).
		AddRow("Pen", "pen-1", now, now, now, nil, `{"id":"pen-1","code":"P1"}`)
	mock.ExpectQuery(`SELECT 'User' AS entity_type .* FROM users t WHERE t.synced_at > \$1 UNION ALL SELECT 'Pen' AS entity_type .* FROM pens t WHERE t.synced_at > \$1 ORDER BY synced_at, entity_type, entity_id LIMIT \$2 OFFSET \$3`).
		WithArgs(since, 50, 100).
		WillReturnRows(rows)

	got, err := repo.Pull(context.Background(), []models.EntityType{models.EntityUser, models.EntityPen}, since, 50, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Pen", got[0].EntityType)
	assert.False(t, got[0].DeletedAt.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityCountSince(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	since := time.Now().UTC()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(c\), 0\) FROM \(SELECT COUNT\(\*\) AS c FROM voters WHERE synced_at > \$1 UNION ALL SELECT COUNT\(\*\) AS c FROM tally_lines WHERE synced_at > \$1\) counts`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(7))

	total, err := repo.CountSince(context.Background(), []models.EntityType{models.EntityVoter, models.EntityTallyLine}, since)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityInsertAudit(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs("a1", sqlmock.AnyArg(), models.AuditActionSyncCreate, "Voter", "v1", sqlmock.AnyArg(), sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertAudit(context.Background(), nil, models.AuditLog{
		ID: "a1", Action: models.AuditActionSyncCreate, EntityType: "Voter", EntityID: "v1",
		NewValues: []byte(`{"id":"v1"}`), CreatedAt: now,
	}, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityReserveSyncStamps(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	last := time.Date(2024, 2, 14, 8, 0, 0, 3000, time.UTC)
	mock.ExpectQuery(`UPDATE sync_watermark\s+SET last_synced_at = GREATEST\(clock_timestamp\(\), last_synced_at \+ interval '1 microsecond'\)`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"last_synced_at"}).AddRow(last))

	first, err := repo.ReserveSyncStamps(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Equal(t, last.Add(-2*time.Microsecond), first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityReserveSyncStampsMissingRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEntityRepository(db)

	mock.ExpectQuery(`UPDATE sync_watermark`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"last_synced_at"}))

	_, err := repo.ReserveSyncStamps(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watermark row missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}
