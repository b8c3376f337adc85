package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"duewatch/internal/domain"
	"duewatch/internal/engine"
)

func TestRenderPlaceholders(t *testing.T) {
	inv := domain.Invoice{ID: "inv-7", Project: "p1", Code: "INV-007", PartyName: "Acme", TotalAmount: 1250.5, Currency: "EUR", DueDate: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)}
	c := engine.Computed{Days: 4, ProjectName: "Apollo"}

	cases := map[string]string{
		`Invoice "{entity.code}" for ${entity.amount} is due in {days} days`: `Invoice "INV-007" for $1250.5 is due in 4 days`,
		"{project.name} / {project.id} / {entity.kind}:{entity.id}":          "Apollo / p1 / invoice:inv-7",
		"due {entity.due}":         "due 2025-04-02",
		"{entity.nope} {whatever}": "{entity.nope} {whatever}",
		"{Days} stays":             "{Days} stays",
		"no placeholders":          "no placeholders",
		"{ days } is not a token":  "{ days } is not a token",
	}
	for tpl, want := range cases {
		assert.Equal(t, want, engine.Render(tpl, inv, c), tpl)
	}
}

func TestRenderUnknownProjectNameLeftVerbatim(t *testing.T) {
	task := domain.Task{ID: "t-1", Project: "p9", Title: "Ship"}
	assert.Equal(t, "{project.name}: Ship", engine.Render("{project.name}: {entity.title}", task, engine.Computed{}))
}

func TestRenderDateLayout(t *testing.T) {
	ms := domain.Milestone{ID: "m", PlannedDate: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "02/04/2025", engine.Render("{entity.due}", ms, engine.Computed{DateLayout: "02/01/2006"}))
}

func TestComposeTitles(t *testing.T) {
	issue := domain.Issue{ID: "i-1", Code: "ISS-1", Title: "Login broken", SLADeadline: time.Now()}
	rule := domain.ReminderRule{EntityType: domain.KindIssue, Trigger: domain.TriggerDaysBefore, MessageTemplate: `Issue "{entity.code}" SLA deadline is in {days} day(s)`}

	got := engine.Compose(rule, issue, engine.Computed{Days: 1})
	assert.Equal(t, "Issue SLA: Login broken", got.Title)
	assert.Equal(t, `Issue "ISS-1" SLA deadline is in 1 day(s)`, got.Message)

	esc := engine.ComposeEscalation(rule, issue, engine.Computed{Days: 1}, 2)
	assert.Equal(t, "[Escalation] Issue escalated: Login broken", esc.Title)
	assert.Equal(t, `[Escalation] Issue "ISS-1" SLA deadline is in 1 day(s) (unacknowledged for 2 days)`, esc.Message)

	po := domain.PurchaseOrder{ID: "po-1", Code: "PO-9"}
	assert.Equal(t, "PO delivery date: PO-9", engine.Compose(domain.ReminderRule{EntityType: domain.KindPurchaseOrder, Trigger: domain.TriggerDaysBefore}, po, engine.Computed{}).Title)
}
