package models

// Role is the authorization level of a user within a tenant (church).
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleCoordinator     Role = "coordinator"
	RoleAttendanceTaker Role = "attendance_taker"
	RoleMember          Role = "member"
)

// Elevated reports whether the role may edit other users' contributions.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleCoordinator
}

// Identity is an authenticated user as known by the server.
type Identity struct {
	UserID      string `json:"userId"`
	TenantID    string `json:"tenantId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// Viewer is a session currently looking at a room.
type Viewer struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	SessionID string `json:"sessionId"`
}
