// Package rbac maps contract participants to roles and roles to the actions
// they may perform. Predicates are pure and must be re-evaluated on every
// action: a participant's role can change between requests.
package rbac

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	// RoleNone marks a user with no participant entry on the contract.
	RoleNone Role = ""
)

// Participant is a role grant on a contract, independent of whether the
// user is currently connected.
type Participant struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// RoleOf returns the role a user holds on a contract, or RoleNone.
func RoleOf(participants []Participant, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	for _, p := range participants {
		if p.UserID == userID {
			return p.Role
		}
	}
	return RoleNone
}

func CanEdit(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

func CanShare(role Role) bool {
	return role == RoleOwner
}

func CanDelete(role Role) bool {
	return role == RoleOwner
}

func CanViewVersions(role Role) bool {
	return role != RoleNone
}

// Normalize coerces a requested role to a valid grantable one; anything
// unrecognized becomes viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}
