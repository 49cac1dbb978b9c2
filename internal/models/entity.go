package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a synchronised aggregate.
type EntityType string

const (
	EntityUser         EntityType = "User"
	EntityParty        EntityType = "Party"
	EntityPen          EntityType = "Pen"
	EntityTallySession EntityType = "TallySession"
	EntityVoter        EntityType = "Voter"
	EntityTallyLine    EntityType = "TallyLine"
	EntityAuditLog     EntityType = "AuditLog"
)

// EntityTypes lists every supported type in declaration order.
var EntityTypes = []EntityType{
	EntityUser,
	EntityParty,
	EntityPen,
	EntityTallySession,
	EntityVoter,
	EntityTallyLine,
	EntityAuditLog,
}

// Valid reports whether t is one of the declared entity types.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType accepts the canonical name case-insensitively.
func ParseEntityType(raw string) (EntityType, error) {
	trimmed := strings.TrimSpace(raw)
	for _, known := range EntityTypes {
		if strings.EqualFold(trimmed, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", raw)
}

// Operation is the kind of mutation a change records.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Data is the full post-mutation snapshot of an entity. UUIDs and times are strings.
type Data map[string]interface{}

// Clone returns a shallow copy.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the value for key when it is a non-empty string.
func (d Data) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Time parses an RFC 3339 value stored under key.
func (d Data) Time(key string) (*time.Time, error) {
	raw, ok := d.String(key)
	if !ok {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// FormatTime renders a time the way it travels inside Data.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// EntityChange is one mutation record queued for transmission.
type EntityChange struct {
	ID         string     `json:"id" validate:"required"`
	EntityType EntityType `json:"entity_type" validate:"required"`
	EntityID   string     `json:"entity_id" validate:"required"`
	Operation  Operation  `json:"operation" validate:"required,oneof=CREATE UPDATE DELETE"`
	Data       Data       `json:"data"`
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
	RetryCount int        `json:"retry_count"`
}

// IsTombstone reports whether applying the change leaves the row soft-deleted.
func (c EntityChange) IsTombstone() bool {
	if c.Operation == OperationDelete {
		return true
	}
	_, ok := c.Data.String("deleted_at")
	return ok
}
