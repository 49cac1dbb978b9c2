package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleOperator   UserRole = "OPERATOR"
)

// Elevated reports whether the role may write and read every entity type.
func (r UserRole) Elevated() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r.Elevated() || r == RoleOperator
}
