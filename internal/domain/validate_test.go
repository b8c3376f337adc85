package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() ReminderRule {
	return ReminderRule{
		ID:              "rule1",
		Name:            "Milestone Due Reminder",
		IsActive:        true,
		EntityType:      KindMilestone,
		Trigger:         TriggerDaysBefore,
		TriggerDays:     10,
		Recipients:      Recipients{Roles: []string{"pm"}, ProjectRoles: []ProjectRole{ProjectRoleOwner}},
		Channels:        []Channel{ChannelInApp, ChannelEmail},
		Escalation:      &Escalation{AfterDays: 7, EscalateTo: []string{"pmo"}},
		MessageTemplate: `Milestone "{entity.name}" is due in {days} days`,
	}
}

func TestValidateRule_Valid(t *testing.T) {
	require.NoError(t, ValidateRule(validRule()))
}

func TestValidateRule_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(r *ReminderRule)
		field string
	}{
		{"unknown entity type", func(r *ReminderRule) { r.EntityType = "risk" }, "entity_type"},
		{"unknown trigger", func(r *ReminderRule) { r.Trigger = "weekly" }, "trigger"},
		{"negative trigger days", func(r *ReminderRule) { r.TriggerDays = -1 }, "trigger_days"},
		{"empty channels while active", func(r *ReminderRule) { r.Channels = nil }, "channels"},
		{"unknown channel", func(r *ReminderRule) { r.Channels = []Channel{"fax"} }, "channels[0]"},
		{"duplicate channel", func(r *ReminderRule) { r.Channels = []Channel{ChannelEmail, ChannelEmail} }, "channels"},
		{"negative escalation", func(r *ReminderRule) { r.Escalation.AfterDays = -2 }, "escalation.after_days"},
		{"escalation without targets", func(r *ReminderRule) { r.Escalation.EscalateTo = nil }, "escalation.escalate_to"},
		{"no recipients", func(r *ReminderRule) { r.Recipients = Recipients{} }, "recipients"},
		{"bad project role", func(r *ReminderRule) { r.Recipients.ProjectRoles = []ProjectRole{"sponsor"} }, "recipients.project_roles[0]"},
		{"missing template", func(r *ReminderRule) { r.MessageTemplate = "" }, "message_template"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRule()
			tc.mut(&r)
			err := ValidateRule(r)
			require.Error(t, err)
			var verr ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateRule_InactiveMayHaveNoChannels(t *testing.T) {
	r := validRule()
	r.IsActive = false
	r.Channels = nil
	assert.NoError(t, ValidateRule(r))
}

func TestNotificationTypeAt(t *testing.T) {
	assert.Equal(t, NotifyIssueSLA, NotificationTypeAt(KindIssue, TriggerDaysBefore, 0))
	assert.Equal(t, NotifyIssueEscalated, NotificationTypeAt(KindIssue, TriggerDaysBefore, 1))
	assert.Equal(t, NotifyMilestoneOverdue, NotificationTypeAt(KindMilestone, TriggerDaysAfter, 1))
	assert.Equal(t, NotifyGeneral, NotificationTypeAt(KindTask, TriggerOnDate, 0))
}
