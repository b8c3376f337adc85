package auth

import (
	"context"
	"errors"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermRuleManage    = "rule.manage"
	PermInboxRead     = "inbox.read"
	PermDeliveryAudit = "delivery.audit"
	PermSweepRun      = "sweep.run"
	PermEntityImport  = "entity.import"
)

// RoleSource answers which roles a user holds.
type RoleSource interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// Service decides what an authenticated actor may do. Members of AdminRoles
// manage rules, audit deliveries and trigger sweeps; everybody else may only
// touch their own inbox.
type Service struct {
	Roles      RoleSource
	AdminRoles []string
}

func (s Service) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	if actorID == "" {
		return false, errors.New("actor_id required")
	}
	if s.Roles == nil {
		return false, nil
	}
	roles, err := s.Roles.UserRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, have := range roles {
		for _, want := range s.AdminRoles {
			if have == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// Require fails with ForbiddenError unless actorID holds an admin role.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	ok, err := s.IsAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireInbox allows actorID to act on userID's inbox: their own, or any
// inbox for admins.
func (s Service) RequireInbox(ctx context.Context, actorID, userID string) error {
	if actorID != "" && actorID == userID {
		return nil
	}
	return s.Require(ctx, actorID, PermInboxRead)
}
