package models

import "time"

// QueueStatus is the local lifecycle state of a queued change.
// Synced entries are deleted, so there is no synced status.
type QueueStatus string

const (
	QueueStatusPending            QueueStatus = "pending"
	QueueStatusRetryScheduled     QueueStatus = "retry_scheduled"
	QueueStatusDependencyConflict QueueStatus = "dependency_conflict"
	QueueStatusFailed             QueueStatus = "failed"
)

// Valid reports whether s is a stored status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusRetryScheduled, QueueStatusDependencyConflict, QueueStatusFailed:
		return true
	}
	return false
}

// QueueEntry wraps a change with its local delivery state.
type QueueEntry struct {
	EntityChange
	Seq         int64       `json:"seq"`
	Status      QueueStatus `json:"status"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	LastError   *string     `json:"last_error,omitempty"`
	Conflicted  bool        `json:"conflicted"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// QueueCounters summarises the queue for health endpoints.
type QueueCounters struct {
	Size               int `json:"queue_size"`
	Pending            int `json:"pending"`
	RetryScheduled     int `json:"retry_scheduled"`
	DependencyConflict int `json:"dependency_conflict"`
	Failed             int `json:"failed"`
}
