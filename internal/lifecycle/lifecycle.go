// Package lifecycle holds the pure decision logic for issue state
// transitions. It never touches storage: callers pass the current status and
// the actor's relationship to the issue, and the store re-checks the same
// predicate inside the conditional write.
package lifecycle

import "civictrack/api/internal/rbac"

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusWorking    Status = "working"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusRejected   Status = "rejected"
)

type Action string

const (
	ActionAssignStaff  Action = "assignStaff"
	ActionReject       Action = "reject"
	ActionChangeStatus Action = "changeStatus"
	ActionProgressNote Action = "addProgressNote"
	ActionUpvote       Action = "upvote"
	ActionBoost        Action = "boost"
	ActionEdit         Action = "editFields"
	ActionDelete       Action = "deleteIssue"
)

// Decision is the outcome of consulting the transition table. Next is only
// meaningful when Allowed is true; note-only actions keep Next equal to the
// current status.
type Decision struct {
	Allowed bool
	Next    Status
}

func Known(s Status) bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusWorking,
		StatusResolved, StatusClosed, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal statuses accept no further status mutation. Staff progress notes
// are still allowed on terminal issues because they do not change status.
func Terminal(s Status) bool {
	return s == StatusResolved || s == StatusClosed || s == StatusRejected
}

// ValidTarget is the whitelist of statuses a staff or admin status change may
// move an issue to. Assigned and rejected are excluded: they are only ever
// reached through assignStaff and reject.
func ValidTarget(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusWorking, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// Decide evaluates one row of the transition table. target is only consulted
// for ActionChangeStatus; assignedToActor only matters for staff actions.
func Decide(current Status, act Action, role rbac.Role, assignedToActor bool, target Status) Decision {
	deny := Decision{}
	switch act {
	case ActionAssignStaff:
		if role == rbac.RoleAdmin && current == StatusPending {
			return Decision{Allowed: true, Next: StatusAssigned}
		}
	case ActionReject:
		if role == rbac.RoleAdmin && current == StatusPending {
			return Decision{Allowed: true, Next: StatusRejected}
		}
	case ActionChangeStatus:
		if Terminal(current) || !ValidTarget(target) {
			return deny
		}
		if role == rbac.RoleAdmin || (role == rbac.RoleStaff && assignedToActor) {
			return Decision{Allowed: true, Next: target}
		}
	case ActionProgressNote:
		if role == rbac.RoleStaff && assignedToActor {
			return Decision{Allowed: true, Next: current}
		}
	case ActionUpvote:
		if role == rbac.RoleCitizen {
			return Decision{Allowed: true, Next: current}
		}
	case ActionBoost:
		if role == rbac.RoleCitizen {
			return Decision{Allowed: true, Next: current}
		}
	case ActionEdit, ActionDelete:
		if role == rbac.RoleCitizen && current == StatusPending {
			return Decision{Allowed: true, Next: current}
		}
	}
	return deny
}
