package dto

import "github.com/noah-isme/election-sync/internal/models"

// EntityRequest creates or updates a local entity.
type EntityRequest struct {
	EntityType models.EntityType `json:"entity_type" validate:"required"`
	EntityID   string            `json:"entity_id" validate:"omitempty,uuid"`
	Data       models.Data       `json:"data" validate:"required"`
}

// CheckInVoterRequest marks a voter as having voted.
type CheckInVoterRequest struct {
	VoterID string `json:"voter_id" validate:"required,uuid"`
}

// OpenTallySessionRequest starts counting at a polling station.
type OpenTallySessionRequest struct {
	PenID string `json:"pen_id" validate:"required,uuid"`
}

// RecordTallyRequest sets the vote count for a party in a session.
type RecordTallyRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	PartyID   string `json:"party_id" validate:"required,uuid"`
	Votes     int    `json:"votes" validate:"gte=0"`
}
