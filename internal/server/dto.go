package server

import (
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/engine"
)

// Request payloads

type RecipientsRequest struct {
	Roles        []string `json:"roles,omitempty"`
	ProjectRoles []string `json:"project_roles,omitempty" enum:"pm,owner,assignee"`
	Users        []string `json:"users,omitempty"`
}

type EscalationRequest struct {
	AfterDays  int      `json:"after_days" minimum:"0"`
	EscalateTo []string `json:"escalate_to"`
}

type CreateRuleRequest struct {
	ID              *string            `json:"id,omitempty"`
	Name            string             `json:"name"`
	Description     *string            `json:"description,omitempty"`
	IsActive        *bool              `json:"is_active,omitempty"`
	EntityType      string             `json:"entity_type" enum:"milestone,deliverable,po,invoice,task,issue"`
	Trigger         string             `json:"trigger" enum:"days_before,days_after,on_date,recurring"`
	TriggerDays     int                `json:"trigger_days" minimum:"0"`
	Recipients      RecipientsRequest  `json:"recipients"`
	Channels        []string           `json:"channels" enum:"in_app,email,slack,teams"`
	Escalation      *EscalationRequest `json:"escalation,omitempty"`
	MessageTemplate string             `json:"message_template"`
}

type UpdateRuleRequest struct {
	Name            *string            `json:"name,omitempty"`
	Description     *string            `json:"description,omitempty"`
	IsActive        *bool              `json:"is_active,omitempty"`
	EntityType      *string            `json:"entity_type,omitempty" enum:"milestone,deliverable,po,invoice,task,issue"`
	Trigger         *string            `json:"trigger,omitempty" enum:"days_before,days_after,on_date,recurring"`
	TriggerDays     *int               `json:"trigger_days,omitempty" minimum:"0"`
	Recipients      *RecipientsRequest `json:"recipients,omitempty"`
	Channels        []string           `json:"channels,omitempty" enum:"in_app,email,slack,teams"`
	Escalation      *EscalationRequest `json:"escalation,omitempty"`
	ClearEscalation bool               `json:"clear_escalation,omitempty"`
	MessageTemplate *string            `json:"message_template,omitempty"`
}

type ImportRulesRequest struct {
	Rules []CreateRuleRequest `json:"rules"`
}

type AcknowledgeRequest struct {
	RuleID   string `json:"rule_id"`
	EntityID string `json:"entity_id"`
}

type RetryRequest struct {
	Limit int `json:"limit,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type RuleResponse struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	IsActive        bool               `json:"is_active"`
	EntityType      string             `json:"entity_type"`
	Trigger         string             `json:"trigger"`
	TriggerDays     int                `json:"trigger_days"`
	Recipients      RecipientsRequest  `json:"recipients"`
	Channels        []string           `json:"channels"`
	Escalation      *EscalationRequest `json:"escalation,omitempty"`
	MessageTemplate string             `json:"message_template"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type NotificationResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Type            string     `json:"type"`
	RuleID          string     `json:"rule_id,omitempty"`
	EntityKind      string     `json:"entity_kind,omitempty"`
	EntityID        string     `json:"entity_id,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	Channel         string     `json:"channel"`
	ActionURL       string     `json:"action_url,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
	IsRead          bool       `json:"is_read"`
	IsArchived      bool       `json:"is_archived"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeliveryStatus  string     `json:"delivery_status"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

type UnreadCountResponse struct {
	UserID string `json:"user_id"`
	Unread int    `json:"unread"`
}

type MarkAllReadResponse struct {
	Marked int `json:"marked"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type FireRecordResponse struct {
	RuleID          string     `json:"rule_id"`
	EntityKind      string     `json:"entity_kind"`
	EntityID        string     `json:"entity_id"`
	ProjectID       string     `json:"project_id,omitempty"`
	LastFiredAt     time.Time  `json:"last_fired_at"`
	CycleStartedAt  time.Time  `json:"cycle_started_at"`
	EscalationLevel int        `json:"escalation_level"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

type OutcomeResponse struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
	Channel        string `json:"channel"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func (r CreateRuleRequest) toRule() domain.ReminderRule {
	rule := domain.ReminderRule{
		Name:            r.Name,
		IsActive:        true,
		EntityType:      domain.EntityKind(r.EntityType),
		Trigger:         domain.TriggerKind(r.Trigger),
		TriggerDays:     r.TriggerDays,
		Recipients:      r.Recipients.toDomain(),
		Channels:        toChannels(r.Channels),
		MessageTemplate: r.MessageTemplate,
	}
	if r.ID != nil {
		rule.ID = *r.ID
	}
	if r.Description != nil {
		rule.Description = *r.Description
	}
	if r.IsActive != nil {
		rule.IsActive = *r.IsActive
	}
	if r.Escalation != nil {
		esc := r.Escalation.toDomain()
		rule.Escalation = &esc
	}
	return rule
}

func (r UpdateRuleRequest) toPatch() engine.RulePatch {
	p := engine.RulePatch{
		Name:            r.Name,
		Description:     r.Description,
		IsActive:        r.IsActive,
		TriggerDays:     r.TriggerDays,
		ClearEscalation: r.ClearEscalation,
		MessageTemplate: r.MessageTemplate,
	}
	if r.EntityType != nil {
		kind := domain.EntityKind(*r.EntityType)
		p.EntityType = &kind
	}
	if r.Trigger != nil {
		trig := domain.TriggerKind(*r.Trigger)
		p.Trigger = &trig
	}
	if r.Recipients != nil {
		rec := r.Recipients.toDomain()
		p.Recipients = &rec
	}
	if r.Channels != nil {
		chans := toChannels(r.Channels)
		p.Channels = &chans
	}
	if r.Escalation != nil {
		esc := r.Escalation.toDomain()
		p.Escalation = &esc
	}
	return p
}

func (r RecipientsRequest) toDomain() domain.Recipients {
	rec := domain.Recipients{Roles: r.Roles, Users: r.Users}
	for _, pr := range r.ProjectRoles {
		rec.ProjectRoles = append(rec.ProjectRoles, domain.ProjectRole(pr))
	}
	return rec
}

func (r EscalationRequest) toDomain() domain.Escalation {
	return domain.Escalation{AfterDays: r.AfterDays, EscalateTo: r.EscalateTo}
}

func toChannels(in []string) []domain.Channel {
	res := make([]domain.Channel, 0, len(in))
	for _, c := range in {
		res = append(res, domain.Channel(c))
	}
	return res
}

func ruleResponse(r domain.ReminderRule) RuleResponse {
	resp := RuleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
		EntityType:  string(r.EntityType),
		Trigger:     string(r.Trigger),
		TriggerDays: r.TriggerDays,
		Recipients: RecipientsRequest{
			Roles: nonNilSlice(r.Recipients.Roles),
			Users: nonNilSlice(r.Recipients.Users),
		},
		Channels:        []string{},
		MessageTemplate: r.MessageTemplate,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	resp.Recipients.ProjectRoles = []string{}
	for _, pr := range r.Recipients.ProjectRoles {
		resp.Recipients.ProjectRoles = append(resp.Recipients.ProjectRoles, string(pr))
	}
	for _, c := range r.Channels {
		resp.Channels = append(resp.Channels, string(c))
	}
	if r.Escalation != nil {
		resp.Escalation = &EscalationRequest{AfterDays: r.Escalation.AfterDays, EscalateTo: nonNilSlice(r.Escalation.EscalateTo)}
	}
	return resp
}

func mapRules(items []domain.ReminderRule) []RuleResponse {
	res := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ruleResponse(r))
	}
	return res
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:              n.ID,
		UserID:          n.UserID,
		Type:            string(n.Type),
		RuleID:          n.RuleID,
		EntityKind:      string(n.EntityKind),
		EntityID:        n.EntityID,
		ProjectID:       n.ProjectID,
		Title:           n.Title,
		Message:         n.Message,
		Channel:         string(n.Channel),
		ActionURL:       n.ActionURL,
		EscalationLevel: n.EscalationLevel,
		IsRead:          n.IsRead,
		IsArchived:      n.IsArchived,
		ReadAt:          n.ReadAt,
		CreatedAt:       n.CreatedAt,
		DeliveryStatus:  string(n.DeliveryStatus),
		Attempts:        n.Attempts,
		LastError:       n.LastError,
		DeliveredAt:     n.DeliveredAt,
	}
}

func mapNotifications(items []domain.Notification) []NotificationResponse {
	res := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		res = append(res, notificationResponse(n))
	}
	return res
}

func fireRecordResponse(r domain.FireRecord) FireRecordResponse {
	return FireRecordResponse{
		RuleID:          r.RuleID,
		EntityKind:      string(r.EntityKind),
		EntityID:        r.EntityID,
		ProjectID:       r.ProjectID,
		LastFiredAt:     r.LastFiredAt,
		CycleStartedAt:  r.CycleStartedAt,
		EscalationLevel: r.EscalationLevel,
		EscalatedAt:     r.EscalatedAt,
		AcknowledgedAt:  r.AcknowledgedAt,
	}
}

func mapOutcomes(items []engine.Outcome) []OutcomeResponse {
	res := make([]OutcomeResponse, 0, len(items))
	for _, o := range items {
		out := OutcomeResponse{
			NotificationID: o.NotificationID,
			UserID:         o.UserID,
			Channel:        string(o.Channel),
			Status:         string(o.Status),
			Attempts:       o.Attempts,
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		res = append(res, out)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
