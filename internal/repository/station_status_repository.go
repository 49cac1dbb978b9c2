package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

const stationStatusPrefix = "sync:station:"

// StationStatusRepository remembers each station's last contact. Entries go
// to Redis when it is configured and are always mirrored in process memory,
// so a single server instance keeps working without Redis.
type StationStatusRepository struct {
	cache *CacheRepository
	ttl   time.Duration

	mu     sync.RWMutex
	memory map[string]models.StationStatus
}

// NewStationStatusRepository constructs the repository.
func NewStationStatusRepository(cache *CacheRepository, ttl time.Duration) *StationStatusRepository {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &StationStatusRepository{cache: cache, ttl: ttl, memory: make(map[string]models.StationStatus)}
}

// Save stores status under its station id.
func (r *StationStatusRepository) Save(ctx context.Context, status models.StationStatus) error {
	r.mu.Lock()
	r.memory[status.StationID] = status
	r.mu.Unlock()

	return r.cache.Set(ctx, stationStatusPrefix+status.StationID, status, r.ttl)
}

// Get returns the stored status, or nil when the station never synced.
func (r *StationStatusRepository) Get(ctx context.Context, stationID string) (*models.StationStatus, error) {
	var status models.StationStatus
	err := r.cache.Get(ctx, stationStatusPrefix+stationID, &status)
	if err == nil {
		return &status, nil
	}
	if !errors.Is(err, appErrors.ErrCacheMiss) {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if mem, ok := r.memory[stationID]; ok {
		return &mem, nil
	}
	return nil, nil
}
