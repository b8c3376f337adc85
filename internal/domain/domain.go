package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores and providers when a record does not exist.
var ErrNotFound = errors.New("not found")

type EntityKind string

const (
	KindMilestone     EntityKind = "milestone"
	KindDeliverable   EntityKind = "deliverable"
	KindPurchaseOrder EntityKind = "po"
	KindInvoice       EntityKind = "invoice"
	KindTask          EntityKind = "task"
	KindIssue         EntityKind = "issue"
)

// EntityKinds lists every watchable kind in a stable order.
var EntityKinds = []EntityKind{KindMilestone, KindDeliverable, KindPurchaseOrder, KindInvoice, KindTask, KindIssue}

func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

type TriggerKind string

const (
	TriggerDaysBefore TriggerKind = "days_before"
	TriggerDaysAfter  TriggerKind = "days_after"
	TriggerOnDate     TriggerKind = "on_date"
	TriggerRecurring  TriggerKind = "recurring"
)

// OncePerEntity reports whether the trigger fires at most once per (rule, entity).
func (t TriggerKind) OncePerEntity() bool {
	return t == TriggerDaysBefore || t == TriggerOnDate
}

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
	ChannelTeams Channel = "teams"
)

type ProjectRole string

const (
	ProjectRolePM       ProjectRole = "pm"
	ProjectRoleOwner    ProjectRole = "owner"
	ProjectRoleAssignee ProjectRole = "assignee"
)

// Recipients is the abstract audience of a rule.
type Recipients struct {
	Roles        []string      `json:"roles,omitempty" yaml:"roles,omitempty" validate:"dive,required"`
	ProjectRoles []ProjectRole `json:"project_roles,omitempty" yaml:"project_roles,omitempty" validate:"dive,oneof=pm owner assignee"`
	Users        []string      `json:"users,omitempty" yaml:"users,omitempty" validate:"dive,required"`
}

func (r Recipients) Empty() bool {
	return len(r.Roles) == 0 && len(r.ProjectRoles) == 0 && len(r.Users) == 0
}

type Escalation struct {
	AfterDays  int      `json:"after_days" yaml:"after_days" validate:"gte=0"`
	EscalateTo []string `json:"escalate_to" yaml:"escalate_to" validate:"min=1,dive,required"`
}

type ReminderRule struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name" validate:"required"`
	Description     string      `json:"description,omitempty" yaml:"description,omitempty"`
	IsActive        bool        `json:"is_active" yaml:"is_active"`
	EntityType      EntityKind  `json:"entity_type" yaml:"entity_type" validate:"required,oneof=milestone deliverable po invoice task issue"`
	Trigger         TriggerKind `json:"trigger" yaml:"trigger" validate:"required,oneof=days_before days_after on_date recurring"`
	TriggerDays     int         `json:"trigger_days" yaml:"trigger_days" validate:"gte=0"`
	Recipients      Recipients  `json:"recipients" yaml:"recipients"`
	Channels        []Channel   `json:"channels" yaml:"channels" validate:"dive,oneof=in_app email slack teams"`
	Escalation      *Escalation `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	MessageTemplate string      `json:"message_template" yaml:"message_template" validate:"required"`
	CreatedAt       time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time   `json:"updated_at" yaml:"-"`
}

func (r ReminderRule) HasChannel(c Channel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// FireKey identifies the state tracked for one rule against one entity.
type FireKey struct {
	RuleID   string
	EntityID string
}

func (k FireKey) String() string {
	return k.RuleID + "|" + k.EntityID
}

// FireRecord is the per (rule, entity) bookkeeping that prevents duplicate
// notifications and drives escalation.
type FireRecord struct {
	RuleID          string     `json:"rule_id"`
	EntityKind      EntityKind `json:"entity_kind"`
	EntityID        string     `json:"entity_id"`
	ProjectID       string     `json:"project_id"`
	LastFiredAt     time.Time  `json:"last_fired_at"`
	CycleStartedAt  time.Time  `json:"cycle_started_at"`
	EscalationLevel int        `json:"escalation_level"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

func (r FireRecord) Key() FireKey {
	return FireKey{RuleID: r.RuleID, EntityID: r.EntityID}
}

func (r FireRecord) Acknowledged() bool {
	return r.AcknowledgedAt != nil
}

type NotificationType string

const (
	NotifyMilestoneUpcoming NotificationType = "milestone_upcoming"
	NotifyMilestoneOverdue  NotificationType = "milestone_overdue"
	NotifyDeliverableDue    NotificationType = "deliverable_due"
	NotifyPODeliveryDate    NotificationType = "po_delivery_date"
	NotifyInvoiceDue        NotificationType = "invoice_due"
	NotifyTaskAssigned      NotificationType = "task_assigned"
	NotifyTaskOverdue       NotificationType = "task_overdue"
	NotifyIssueSLA          NotificationType = "issue_sla"
	NotifyIssueEscalated    NotificationType = "issue_escalated"
	NotifyGeneral           NotificationType = "general"
)

// NotificationTypeAt is NotificationTypeFor at an escalation level. Only an
// escalated issue is reported as issue_escalated.
func NotificationTypeAt(kind EntityKind, trigger TriggerKind, level int) NotificationType {
	if level > 0 && kind == KindIssue {
		return NotifyIssueEscalated
	}
	return NotificationTypeFor(kind, trigger)
}

// NotificationTypeFor maps an entity kind and trigger onto the inbox type of
// a first-level reminder.
func NotificationTypeFor(kind EntityKind, trigger TriggerKind) NotificationType {
	overdue := trigger == TriggerDaysAfter
	switch kind {
	case KindMilestone:
		if overdue {
			return NotifyMilestoneOverdue
		}
		return NotifyMilestoneUpcoming
	case KindDeliverable:
		return NotifyDeliverableDue
	case KindPurchaseOrder:
		return NotifyPODeliveryDate
	case KindInvoice:
		return NotifyInvoiceDue
	case KindTask:
		if overdue {
			return NotifyTaskOverdue
		}
		return NotifyGeneral
	case KindIssue:
		return NotifyIssueSLA
	}
	return NotifyGeneral
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Notification struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Type            NotificationType `json:"type"`
	RuleID          string           `json:"rule_id,omitempty"`
	EntityKind      EntityKind       `json:"entity_kind,omitempty"`
	EntityID        string           `json:"entity_id,omitempty"`
	ProjectID       string           `json:"project_id,omitempty"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Channel         Channel          `json:"channel"`
	ActionURL       string           `json:"action_url,omitempty"`
	EscalationLevel int              `json:"escalation_level"`
	IsRead          bool             `json:"is_read"`
	IsArchived      bool             `json:"is_archived"`
	ReadAt          *time.Time       `json:"read_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DeliveryStatus  DeliveryStatus   `json:"delivery_status"`
	Attempts        int              `json:"attempts"`
	LastError       string           `json:"last_error,omitempty"`
	DeliveredAt     *time.Time       `json:"delivered_at,omitempty"`
}

type Project struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ManagerID string `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`
}

type User struct {
	ID     string   `json:"id" yaml:"id"`
	Email  string   `json:"email,omitempty" yaml:"email,omitempty"`
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	Status string   `json:"status,omitempty" yaml:"status,omitempty"`
	Roles  []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actor_id"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"key_hash"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ValidationError reports a malformed rule or dataset.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
