// Package policy decides who may see and act on a task. It holds no state and
// performs no I/O; callers pass fully loaded users and tasks.
package policy

import (
	"fmt"

	"marketline/internal/domain"
)

type Action string

const (
	ActionAccept   Action = "accept"
	ActionMessage  Action = "message"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionView     Action = "view"
)

// ForbiddenError explains which rule denied an action. It matches domain.ErrForbidden.
type ForbiddenError struct {
	Action Action
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s: %s", e.Action, e.Reason)
}

func (e ForbiddenError) Is(target error) bool {
	return target == domain.ErrForbidden
}

// IsBlocked reports whether either user blocks the other.
func IsBlocked(a, b domain.User) bool {
	return a.Blocks(b.ID) || b.Blocks(a.ID)
}

// CanView reports whether viewer may read the task. Parties always can; an
// unassigned task is on the market and visible to anyone not in a block
// relation with its requester.
func CanView(task domain.Task, viewer, requester domain.User) error {
	if task.IsParty(viewer.ID) {
		return nil
	}
	if task.Status() != domain.StatusUnassigned {
		return ForbiddenError{Action: ActionView, Reason: "not a party to the task"}
	}
	if IsBlocked(viewer, requester) {
		return ForbiddenError{Action: ActionView, Reason: "blocked"}
	}
	return nil
}

// CanAct checks the role rule for action. requester is the task's requester
// and is only consulted for ActionAccept.
func CanAct(action Action, task domain.Task, actor, requester domain.User) error {
	switch action {
	case ActionAccept:
		if actor.Banned {
			return ForbiddenError{Action: action, Reason: "user is banned"}
		}
		if actor.ID == task.RequestedBy {
			return ForbiddenError{Action: action, Reason: "cannot accept own task"}
		}
		if IsBlocked(actor, requester) {
			return ForbiddenError{Action: action, Reason: "blocked"}
		}
	case ActionMessage, ActionView:
		if !task.IsParty(actor.ID) {
			return ForbiddenError{Action: action, Reason: "not a party to the task"}
		}
	case ActionCancel:
		if actor.ID != task.RequestedBy {
			return ForbiddenError{Action: action, Reason: "only the requester may cancel"}
		}
	case ActionComplete:
		if task.ExecutedBy == nil || *task.ExecutedBy != actor.ID {
			return ForbiddenError{Action: action, Reason: "only the executor may complete"}
		}
	default:
		return ForbiddenError{Action: action, Reason: "unknown action"}
	}
	return nil
}

// CanCreate rejects banned requesters.
func CanCreate(requester domain.User) error {
	if requester.Banned {
		return ForbiddenError{Action: "create", Reason: "user is banned"}
	}
	return nil
}
