package app

// Role is a named role carried by an authenticated principal.
type Role string

// Roles known to the platform.
const (
	RoleAdmin   Role = "admin"
	RoleOps     Role = "ops"
	RoleChecker Role = "checker"
)

// RoleSet is an explicit set of roles used for permission checks.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds the role.
func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// Principal is the authenticated identity attached to a request by the
// auth middleware. SessionID ties the principal to its tracked session.
type Principal struct {
	ID        string
	Role      Role
	SessionID string
}

// HasAnyRole reports whether the principal's role is in the allowed set.
// An empty set allows any authenticated principal.
func (p Principal) HasAnyRole(allowed RoleSet) bool {
	if len(allowed) == 0 {
		return true
	}
	return allowed.Contains(p.Role)
}
