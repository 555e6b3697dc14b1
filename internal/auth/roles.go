package auth

// Role is a tenant user's role
type Role string

const (
	// RoleAdmin may manage the shared provider catalog
	RoleAdmin Role = "admin"

	// RoleMember manages keys and aliases in their own workspaces
	RoleMember Role = "member"
)

func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

// HasPermission reports whether r satisfies required. Admin satisfies
// every role.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
