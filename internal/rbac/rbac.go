package rbac

type Role string
type Action string

const (
	RoleCitizen Role = "citizen"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead         Action = "read"
	ActionReport       Action = "report"
	ActionUpvote       Action = "upvote"
	ActionBoost        Action = "boost"
	ActionEditOwn      Action = "edit_own"
	ActionDeleteOwn    Action = "delete_own"
	ActionAssign       Action = "assign"
	ActionReject       Action = "reject"
	ActionChangeStatus Action = "change_status"
	ActionProgressNote Action = "progress_note"
	ActionViewReports  Action = "view_reports"
)

// Can reports whether a role may attempt an action. Ownership and assignment
// predicates (reporter-only edits, staff assigned to the issue) are enforced
// by the lifecycle rules and the store's write conditions, not here.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action == ActionRead || action == ActionAssign || action == ActionReject ||
			action == ActionChangeStatus || action == ActionViewReports
	case RoleStaff:
		return action == ActionRead || action == ActionChangeStatus || action == ActionProgressNote
	case RoleCitizen:
		return action == ActionRead || action == ActionReport || action == ActionUpvote ||
			action == ActionBoost || action == ActionEditOwn || action == ActionDeleteOwn
	default:
		return false
	}
}

// Label is the audit-trail spelling of a role ("Citizen", "Staff", "Admin").
func Label(role Role) string {
	switch role {
	case RoleAdmin:
		return "Admin"
	case RoleStaff:
		return "Staff"
	default:
		return "Citizen"
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleStaff, RoleAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}
