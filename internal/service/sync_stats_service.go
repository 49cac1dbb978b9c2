package service

import (
	"context"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// SyncStatsService answers the server's /sync/stats from what each station
// reported on its last push.
type SyncStatsService struct {
	status  stationStatusStore
	enabled bool
}

// NewSyncStatsService constructs the service.
func NewSyncStatsService(status stationStatusStore, enabled bool) *SyncStatsService {
	return &SyncStatsService{status: status, enabled: enabled}
}

// Stats returns the caller's station summary. A station that never pushed
// reports zero pending changes and no last sync.
func (s *SyncStatsService) Stats(ctx context.Context, claims *models.JWTClaims, stationID string) (*dto.StatsResponse, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	// operators only see their own station
	if stationID == "" || !claims.Role.Elevated() {
		stationID = stationKey(claims, "")
	}

	resp := &dto.StatsResponse{SyncEnabled: s.enabled}
	status, err := s.status.Get(ctx, stationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load station status")
	}
	if status != nil {
		resp.PendingPushCount = status.PendingPushCount
		resp.LastSuccessfulSync = status.LastSuccessfulSync
	}
	return resp, nil
}
