// Package entity describes every synchronised entity type: its table, typed
// columns, foreign keys and who may write or read it.
package entity

import (
	"fmt"

	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// Kind is the native type of a column.
type Kind int

const (
	KindString Kind = iota
	KindUUID
	KindInt
	KindBool
	KindTime
)

// Column describes one persisted field. References is set for foreign keys.
type Column struct {
	Name       string
	Kind       Kind
	References models.EntityType
}

// Spec is the per-type entry of the registry.
type Spec struct {
	Type             models.EntityType
	Table            string
	Columns          []Column
	OperatorWritable bool
	OperatorVisible  bool
}

var commonColumns = []Column{
	{Name: "id", Kind: KindUUID},
	{Name: "created_at", Kind: KindTime},
	{Name: "updated_at", Kind: KindTime},
	{Name: "deleted_at", Kind: KindTime},
	{Name: "deleted_by", Kind: KindString},
}

var registry = map[models.EntityType]Spec{
	models.EntityUser: {
		Type:  models.EntityUser,
		Table: "users",
		Columns: []Column{
			{Name: "username", Kind: KindString},
			{Name: "full_name", Kind: KindString},
			{Name: "role", Kind: KindString},
		},
		OperatorVisible: true,
	},
	models.EntityParty: {
		Type:  models.EntityParty,
		Table: "parties",
		Columns: []Column{
			{Name: "name", Kind: KindString},
			{Name: "abbreviation", Kind: KindString},
			{Name: "color", Kind: KindString},
			{Name: "ballot_position", Kind: KindInt},
		},
		OperatorVisible: true,
	},
	models.EntityPen: {
		Type:  models.EntityPen,
		Table: "pens",
		Columns: []Column{
			{Name: "code", Kind: KindString},
			{Name: "name", Kind: KindString},
			{Name: "location", Kind: KindString},
			{Name: "registered_voters", Kind: KindInt},
		},
		OperatorVisible: true,
	},
	models.EntityTallySession: {
		Type:  models.EntityTallySession,
		Table: "tally_sessions",
		Columns: []Column{
			{Name: "pen_id", Kind: KindUUID, References: models.EntityPen},
			{Name: "created_by", Kind: KindUUID, References: models.EntityUser},
			{Name: "status", Kind: KindString},
			{Name: "started_at", Kind: KindTime},
			{Name: "closed_at", Kind: KindTime},
		},
		OperatorWritable: true,
		OperatorVisible:  true,
	},
	models.EntityVoter: {
		Type:  models.EntityVoter,
		Table: "voters",
		Columns: []Column{
			{Name: "pen_id", Kind: KindUUID, References: models.EntityPen},
			{Name: "voter_number", Kind: KindString},
			{Name: "full_name", Kind: KindString},
			{Name: "has_voted", Kind: KindBool},
			{Name: "voted_at", Kind: KindTime},
		},
		OperatorWritable: true,
		OperatorVisible:  true,
	},
	models.EntityTallyLine: {
		Type:  models.EntityTallyLine,
		Table: "tally_lines",
		Columns: []Column{
			{Name: "session_id", Kind: KindUUID, References: models.EntityTallySession},
			{Name: "party_id", Kind: KindUUID, References: models.EntityParty},
			{Name: "votes", Kind: KindInt},
		},
		OperatorWritable: true,
		OperatorVisible:  true,
	},
	models.EntityAuditLog: {
		Type:  models.EntityAuditLog,
		Table: "audit_logs",
		Columns: []Column{
			{Name: "user_id", Kind: KindUUID},
			{Name: "action", Kind: KindString},
			{Name: "entity_type", Kind: KindString},
			{Name: "entity_id", Kind: KindString},
			{Name: "old_values", Kind: KindString},
			{Name: "new_values", Kind: KindString},
		},
		OperatorWritable: true,
	},
}

// Lookup returns the spec for t or a validation error for unknown types.
func Lookup(t models.EntityType) (Spec, error) {
	spec, ok := registry[t]
	if !ok {
		return Spec{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown entity type %q", t))
	}
	return spec, nil
}

// AllColumns returns the shared columns followed by the type's own columns.
func (s Spec) AllColumns() []Column {
	out := make([]Column, 0, len(commonColumns)+len(s.Columns))
	out = append(out, commonColumns...)
	return append(out, s.Columns...)
}

// ColumnNames lists AllColumns by name.
func (s Spec) ColumnNames() []string {
	cols := s.AllColumns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// ForeignKeys returns the columns referencing a parent entity.
func (s Spec) ForeignKeys() []Column {
	var fks []Column
	for _, c := range s.Columns {
		if c.References != "" {
			fks = append(fks, c)
		}
	}
	return fks
}

// CanWrite applies the role's write allow-list.
func CanWrite(role models.UserRole, t models.EntityType) bool {
	spec, ok := registry[t]
	if !ok {
		return false
	}
	if role.Elevated() {
		return true
	}
	return role == models.RoleOperator && spec.OperatorWritable
}

// Visible returns the types a role receives on pull, in declaration order.
func Visible(role models.UserRole) []models.EntityType {
	out := make([]models.EntityType, 0, len(models.EntityTypes))
	for _, t := range models.EntityTypes {
		spec := registry[t]
		if role.Elevated() || (role == models.RoleOperator && spec.OperatorVisible) {
			out = append(out, t)
		}
	}
	return out
}
