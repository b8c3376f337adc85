package engine

import (
	"context"

	"duewatch/internal/domain"
	"duewatch/internal/events"
)

// RuleStore is the read side of the rule collection used by sweeps.
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.ReminderRule, error)
	GetRule(ctx context.Context, id string) (domain.ReminderRule, error)
}

// Provider supplies current snapshots of watchable entities.
// GetWatchable returns domain.ErrNotFound once an entity is deleted.
type Provider interface {
	ListWatchable(ctx context.Context, kind domain.EntityKind) ([]domain.Watchable, error)
	GetWatchable(ctx context.Context, ref domain.EntityRef) (domain.Watchable, error)
}

// Directory answers who holds a role and who manages a project.
type Directory interface {
	RoleMembers(ctx context.Context, role string) ([]string, error)
	Project(ctx context.Context, id string) (domain.Project, error)
	UserExists(ctx context.Context, id string) (bool, error)
}

// FireStore persists fire records. GetFireRecord returns domain.ErrNotFound
// when no record exists for the key. SwapFireRecord writes next only while
// the stored row still equals prev (or is absent for a nil prev) and reports
// whether it won.
type FireStore interface {
	GetFireRecord(ctx context.Context, key domain.FireKey) (domain.FireRecord, error)
	ListFireRecords(ctx context.Context) ([]domain.FireRecord, error)
	SwapFireRecord(ctx context.Context, prev *domain.FireRecord, next domain.FireRecord) (bool, error)
	DeleteFireRecord(ctx context.Context, key domain.FireKey) error
}

// Inbox stores notifications and their delivery bookkeeping.
type Inbox interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
	GetNotification(ctx context.Context, id string) (domain.Notification, error)
	UpdateDelivery(ctx context.Context, n domain.Notification) error
	ListPendingDeliveries(ctx context.Context, limit int) ([]domain.Notification, error)
}

// Publisher fans new in-app notifications out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// EventLog records engine decisions for operators.
type EventLog interface {
	Append(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}
