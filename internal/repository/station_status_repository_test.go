package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

func TestStationStatusWithoutRedis(t *testing.T) {
	repo := NewStationStatusRepository(NewCacheRepository(nil, nil), time.Hour)
	ctx := context.Background()

	missing, err := repo.Get(ctx, "pen-7")
	require.NoError(t, err)
	assert.Nil(t, missing)

	last := time.Date(2024, 2, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, models.StationStatus{StationID: "pen-7", OperatorID: "op-1", PendingPushCount: 4, LastSuccessfulSync: &last}))

	got, err := repo.Get(ctx, "pen-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.PendingPushCount)
	assert.True(t, got.LastSuccessfulSync.Equal(last))
}

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()

	assert.False(t, repo.Available())
	var dest map[string]string
	assert.ErrorIs(t, repo.Get(ctx, "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(ctx, "k", "v", time.Minute))
	assert.NoError(t, repo.DeleteByPattern(ctx, "k*"))
	assert.NoError(t, repo.Ping(ctx))
	assert.NoError(t, repo.Close())
}
