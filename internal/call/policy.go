package call

import "context"

// Role is a member's role within a group, as asserted by the identity
// service that minted the caller's token.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleMember     Role = "member"
	RoleSupervisor Role = "supervisor"
)

// AuthContext carries the authenticated caller's identity into every
// coordinator operation. It is produced by the auth middleware from token
// claims; the orchestration core never looks up identities itself.
type AuthContext struct {
	UserID      string
	MemberID    string
	GroupID     string
	Role        Role
	DisplayName string
	Email       string
}

// GroupSettings is the slice of group configuration the call policy
// depends on.
type GroupSettings struct {
	// ReadOnly freezes the group: no new calls may be initiated.
	ReadOnly bool
}

// Policy decides which call operations a role may perform. It is injected
// so new roles do not require changes to the coordinator. Group flags
// such as read-only are checked against the directory separately.
type Policy interface {
	// CanUseCalls reports whether the role may initiate and take part in
	// calls.
	CanUseCalls(role Role) bool
	// CanSeeCalls reports whether the role may read call history.
	CanSeeCalls(role Role) bool
	// IsAdmin reports whether the role has group-admin powers (see all
	// calls, hide recordings).
	IsAdmin(role Role) bool
}

// DefaultPolicy is the standard role table: owners and admins administer,
// members participate, supervised members observe history but cannot call.
type DefaultPolicy struct{}

func (DefaultPolicy) CanUseCalls(role Role) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func (DefaultPolicy) CanSeeCalls(role Role) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember, RoleSupervisor:
		return true
	default:
		return false
	}
}

func (DefaultPolicy) IsAdmin(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// Member is a group member as reported by the directory.
type Member struct {
	MemberID    string
	UserID      string
	Role        Role
	DisplayName string
	Email       string
}

// Group is the slice of a group's state the coordinator consults: its
// settings and the current roster keyed by member id.
type Group struct {
	ID       string
	Settings GroupSettings
	Members  map[string]Member
}

// Directory resolves groups and their membership. The family backend owns
// identity; the coordinator only checks invitees against the current
// roster and reads the group flags that gate initiation.
type Directory interface {
	Group(ctx context.Context, groupID string) (*Group, error)
}
