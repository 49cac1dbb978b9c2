package dto

import (
	"time"

	"github.com/noah-isme/election-sync/internal/models"
)

// PushRequest carries a batch of station changes.
type PushRequest struct {
	Changes         []models.EntityChange `json:"changes" validate:"required,dive"`
	ClientTimestamp time.Time             `json:"client_timestamp"`
	StationID       string                `json:"station_id,omitempty" validate:"omitempty,max=64"`
	PendingCount    *int                  `json:"pending_count,omitempty" validate:"omitempty,gte=0"`
}

// FailedChange is a change the server refused, with the reason.
type FailedChange struct {
	models.EntityChange
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PushResponse reports per-change outcomes of a push.
type PushResponse struct {
	ProcessedCount  int                   `json:"processed_count"`
	FailedChanges   []FailedChange        `json:"failed_changes"`
	Conflicts       []models.EntityChange `json:"conflicts"`
	ServerTimestamp time.Time             `json:"server_timestamp"`
}

// PullQuery mirrors the pull query string.
type PullQuery struct {
	LastSync *time.Time
	Limit    int
	Offset   int
}

// PullResponse is one page of server changes.
type PullResponse struct {
	Changes         []models.EntityChange `json:"changes"`
	ServerTimestamp time.Time             `json:"server_timestamp"`
	HasMore         bool                  `json:"has_more"`
	TotalAvailable  int                   `json:"total_available"`
}

// StatsResponse is the operator health summary.
type StatsResponse struct {
	PendingPushCount   int        `json:"pending_push_count"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync"`
	SyncEnabled        bool       `json:"sync_enabled"`
}

// StationStatusResponse extends the stats with queue and engine detail.
type StationStatusResponse struct {
	StatsResponse
	StationID string               `json:"station_id"`
	State     models.EngineState   `json:"state"`
	Queue     models.QueueCounters `json:"queue"`
	Cursor    *time.Time           `json:"cursor,omitempty"`
	LastCycle *models.SyncReport   `json:"last_cycle,omitempty"`
}

// RequeueRequest selects which parked entries to return to pending.
type RequeueRequest struct {
	Status models.QueueStatus `json:"status" validate:"required,oneof=dependency_conflict failed"`
}

// RequeueResponse reports how many entries moved.
type RequeueResponse struct {
	Requeued int `json:"requeued"`
}

// TriggerResponse reports the outcome of an operator-triggered cycle.
type TriggerResponse struct {
	Report models.SyncReport `json:"report"`
}
