package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"duewatch/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_.]*\}`)

// Computed carries the values a template can reference besides entity fields.
type Computed struct {
	Days        int
	ProjectName string
	DateLayout  string
}

type Composed struct {
	Title   string
	Message string
}

var typeTitles = map[domain.NotificationType]string{
	domain.NotifyMilestoneUpcoming: "Milestone upcoming",
	domain.NotifyMilestoneOverdue:  "Milestone overdue",
	domain.NotifyDeliverableDue:    "Deliverable due",
	domain.NotifyPODeliveryDate:    "PO delivery date",
	domain.NotifyInvoiceDue:        "Invoice due",
	domain.NotifyTaskAssigned:      "Task assigned",
	domain.NotifyTaskOverdue:       "Task overdue",
	domain.NotifyIssueSLA:          "Issue SLA",
	domain.NotifyIssueEscalated:    "Issue escalated",
	domain.NotifyGeneral:           "Reminder",
}

// Compose renders a rule template for an entity. Unknown placeholders are
// left as written.
func Compose(rule domain.ReminderRule, entity domain.Watchable, c Computed) Composed {
	return composeAt(rule, entity, c, 0)
}

func composeAt(rule domain.ReminderRule, entity domain.Watchable, c Computed, level int) Composed {
	typ := domain.NotificationTypeAt(rule.EntityType, rule.Trigger, level)
	return Composed{
		Title:   fmt.Sprintf("%s: %s", typeTitles[typ], domain.DisplayName(entity)),
		Message: Render(rule.MessageTemplate, entity, c),
	}
}

// ComposeEscalation renders the escalation flavour of a reminder.
func ComposeEscalation(rule domain.ReminderRule, entity domain.Watchable, c Computed, unackedDays int) Composed {
	base := composeAt(rule, entity, c, 1)
	return Composed{
		Title:   "[Escalation] " + base.Title,
		Message: fmt.Sprintf("[Escalation] %s (unacknowledged for %d days)", base.Message, unackedDays),
	}
}

// Render substitutes placeholders in template. Matching is case-sensitive.
func Render(template string, entity domain.Watchable, c Computed) string {
	layout := c.DateLayout
	if layout == "" {
		layout = "2006-01-02"
	}
	fields := entity.Fields()
	return placeholderRe.ReplaceAllStringFunc(template, func(ph string) string {
		name := ph[1 : len(ph)-1]
		switch name {
		case "days":
			return strconv.Itoa(c.Days)
		case "project.name":
			if c.ProjectName != "" {
				return c.ProjectName
			}
			return ph
		case "project.id":
			return entity.ProjectID()
		case "entity.id":
			return entity.Ref().ID
		case "entity.kind":
			return string(entity.Ref().Kind)
		case "entity.due":
			return entity.AnchorDate().Format(layout)
		}
		if field, ok := strings.CutPrefix(name, "entity."); ok {
			if v, ok := fields[field]; ok {
				return v
			}
		}
		return ph
	})
}
