package models

import "time"

// EngineState is the sync engine's position in its cycle.
type EngineState string

const (
	EngineIdle    EngineState = "idle"
	EnginePushing EngineState = "pushing"
	EnginePulling EngineState = "pulling"
	EngineStopped EngineState = "stopped"
)

// CycleKind distinguishes the interval cycle from the tally fast path.
type CycleKind string

const (
	CycleFull CycleKind = "full"
	CycleFast CycleKind = "fast"
	CyclePull CycleKind = "pull"
)

// PushReport summarises what a push phase did to the queue.
type PushReport struct {
	Batches             int `json:"batches"`
	Synced              int `json:"synced"`
	Conflicts           int `json:"conflicts"`
	Rejected            int `json:"rejected"`
	DependencyConflicts int `json:"dependency_conflicts"`
	RetryScheduled      int `json:"retry_scheduled"`
	Failed              int `json:"failed"`
	Dropped             int `json:"dropped"`
	TransportErrors     int `json:"transport_errors"`
	AuthErrors          int `json:"auth_errors"`
}

// PullReport summarises a pull phase.
type PullReport struct {
	Pages      int        `json:"pages"`
	Received   int        `json:"received"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	Rejected   int        `json:"rejected"`
	Errors     int        `json:"errors"`
	Truncated  bool       `json:"truncated"`
	Cursor     *time.Time `json:"cursor,omitempty"`
	FailedPage bool       `json:"failed_page"`
}

// SyncReport is the outcome of one engine cycle.
type SyncReport struct {
	Kind       CycleKind   `json:"kind"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Push       PushReport  `json:"push"`
	Pull       *PullReport `json:"pull,omitempty"`
	Requeued   int         `json:"requeued"`
	Err        string      `json:"error,omitempty"`
}

// Successful reports whether the cycle reached the server without transport failures.
func (r SyncReport) Successful() bool {
	if r.Err != "" || r.Push.TransportErrors > 0 {
		return false
	}
	return r.Pull == nil || (!r.Pull.FailedPage && r.Pull.Errors == 0)
}

// SyncEvent is published by the engine when its state changes or a cycle ends.
type SyncEvent struct {
	State  EngineState `json:"state"`
	Report *SyncReport `json:"report,omitempty"`
	At     time.Time   `json:"at"`
}

// ApplyOutcome says what the local store did with a remote change.
type ApplyOutcome string

const (
	ApplyCreated ApplyOutcome = "created"
	ApplyUpdated ApplyOutcome = "updated"
	ApplySkipped ApplyOutcome = "skipped"
)

// LocalRecord is a station-side copy of an entity.
type LocalRecord struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Data       Data       `json:"data"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	DeletedBy  *string    `json:"deleted_by,omitempty"`
}

// StationStatus is what the server remembers about a station's last contact.
type StationStatus struct {
	StationID          string     `json:"station_id"`
	OperatorID         string     `json:"operator_id"`
	PendingPushCount   int        `json:"pending_push_count"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
}
