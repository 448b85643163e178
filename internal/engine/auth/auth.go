package auth

import (
	"fmt"
	"strings"

	"civicflow/internal/domain"
)

// ForbiddenError indicates the actor's role may not perform an action.
type ForbiddenError struct {
	Action string
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// Require returns ForbiddenError unless actor holds one of roles.
func Require(actor domain.Actor, action string, roles ...domain.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return ForbiddenError{Action: action, Role: actor.Role}
}

// RequireOwner lets admins through and otherwise requires the actor to be owner.
func RequireOwner(actor domain.Actor, action string, owner *int64) error {
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	if owner == nil || *owner != actor.ID {
		return ForbiddenError{Action: action, Role: actor.Role}
	}
	return nil
}

// Describe renders roles for error messages, e.g. "admin or auditor".
func Describe(roles []domain.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
