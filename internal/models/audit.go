package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionSyncCreate   = "SYNC_CREATE"
	AuditActionSyncUpdate   = "SYNC_UPDATE"
	AuditActionSyncDelete   = "SYNC_DELETE"
	AuditActionRemoteApply  = "REMOTE_APPLY"
	AuditActionRemoteReject = "REMOTE_REJECTED"
	AuditActionVoterCheckIn = "VOTER_CHECK_IN"
	AuditActionTallyRecord  = "TALLY_RECORD"
	AuditActionSyncPull     = "SYNC_PULL"
)

// AuditLog represents an audit trail record. On the server it is stored as an
// AuditLog entity so administrators receive it through pull.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
