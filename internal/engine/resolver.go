package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"duewatch/internal/domain"
)

// Resolver turns abstract rule audiences into concrete user ids.
type Resolver struct {
	Directory Directory
	Logger    *slog.Logger
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve returns the sorted, deduplicated user ids addressed by recipients
// for entity. Missing structural roles are skipped; directory failures are
// returned so the caller can retry on a later tick.
func (r Resolver) Resolve(ctx context.Context, recipients domain.Recipients, entity domain.Watchable) ([]string, error) {
	set := map[string]struct{}{}
	add := func(id string) {
		if id != "" {
			set[id] = struct{}{}
		}
	}

	members, err := r.roleMembers(ctx, recipients.Roles)
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		add(id)
	}

	for _, pr := range recipients.ProjectRoles {
		switch pr {
		case domain.ProjectRolePM:
			pid := entity.ProjectID()
			if pid == "" {
				continue
			}
			p, err := r.Directory.Project(ctx, pid)
			if errors.Is(err, domain.ErrNotFound) {
				r.logger().Warn("project not found for pm lookup", "project", pid, "entity", entity.Ref().String())
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", pid, err)
			}
			add(p.ManagerID)
		case domain.ProjectRoleOwner:
			add(entity.OwnerID())
		case domain.ProjectRoleAssignee:
			add(entity.AssigneeID())
		}
	}

	for _, id := range recipients.Users {
		ok, err := r.Directory.UserExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check user %s: %w", id, err)
		}
		if !ok {
			r.logger().Warn("skipping unknown recipient", "user", id)
			continue
		}
		add(id)
	}

	return sortedKeys(set), nil
}

// ResolveRoles expands escalation targets, which are always role tags.
func (r Resolver) ResolveRoles(ctx context.Context, roles []string) ([]string, error) {
	members, err := r.roleMembers(ctx, roles)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (r Resolver) roleMembers(ctx context.Context, roles []string) ([]string, error) {
	var out []string
	for _, role := range roles {
		ids, err := r.Directory.RoleMembers(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("members of role %s: %w", role, err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
