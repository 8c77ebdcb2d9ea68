package models

import "time"

// Role is the closed set of authorization roles a LocalUser can hold.
// Adding a role means adding a constant here and widening the users_role_check
// constraint in a new migration; unknown strings never parse.
type Role string

const (
	RoleReader Role = "reader"
	RoleAdmin  Role = "admin"
)

// IsValid checks if the role is one of the predefined roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleReader, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole parses a string into a Role, reporting whether it is known.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.IsValid()
}

// AllRoles lists the roles in ascending privilege order.
func AllRoles() []Role {
	return []Role{RoleReader, RoleAdmin}
}

// LocalUser mirrors an identity issued by the external provider.
// ProviderSubjectID is unique and immutable; Role and Banned are the only
// mutable authorization facts. Rows are never hard-deleted.
type LocalUser struct {
	ID                int64     `json:"id"`
	ProviderSubjectID string    `json:"provider_subject_id"`
	Name              string    `json:"name,omitempty"`
	Source            string    `json:"source"`
	Role              Role      `json:"role"`
	Banned            bool      `json:"banned"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role and is not banned.
func (u LocalUser) IsAdmin() bool {
	return u.Role == RoleAdmin && !u.Banned
}
