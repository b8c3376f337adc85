package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EntityRef identifies a watchable entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Watchable is implemented by every entity kind that reminder rules can target.
type Watchable interface {
	Ref() EntityRef
	AnchorDate() time.Time
	IsFrozen() bool
	OwnerID() string
	AssigneeID() string
	ProjectID() string
	// Fields exposes the values templates may reference as {entity.<name>}.
	Fields() map[string]string
}

type Milestone struct {
	ID                 string     `json:"id" yaml:"id"`
	Project            string     `json:"project_id" yaml:"project_id"`
	Code               string     `json:"code" yaml:"code"`
	Name               string     `json:"name" yaml:"name"`
	Status             string     `json:"status" yaml:"status"`
	PlannedDate        time.Time  `json:"planned_date" yaml:"planned_date"`
	ForecastDate       *time.Time `json:"forecast_date,omitempty" yaml:"forecast_date,omitempty"`
	Owner              string     `json:"owner_id" yaml:"owner_id"`
	IsPaymentMilestone bool       `json:"is_payment_milestone,omitempty" yaml:"is_payment_milestone,omitempty"`
	PaymentAmount      float64    `json:"payment_amount,omitempty" yaml:"payment_amount,omitempty"`
}

func (m Milestone) Ref() EntityRef { return EntityRef{Kind: KindMilestone, ID: m.ID} }
func (m Milestone) AnchorDate() time.Time {
	if m.ForecastDate != nil {
		return *m.ForecastDate
	}
	return m.PlannedDate
}
func (m Milestone) IsFrozen() bool     { return m.Status == "achieved" }
func (m Milestone) OwnerID() string    { return m.Owner }
func (m Milestone) AssigneeID() string { return "" }
func (m Milestone) ProjectID() string  { return m.Project }
func (m Milestone) Fields() map[string]string {
	f := map[string]string{"code": m.Code, "name": m.Name, "status": m.Status}
	if m.IsPaymentMilestone {
		f["amount"] = formatAmount(m.PaymentAmount)
	}
	return f
}

type Deliverable struct {
	ID       string    `json:"id" yaml:"id"`
	Project  string    `json:"project_id" yaml:"project_id"`
	Code     string    `json:"code" yaml:"code"`
	Name     string    `json:"name" yaml:"name"`
	Status   string    `json:"status" yaml:"status"`
	DueDate  time.Time `json:"due_date" yaml:"due_date"`
	Owner    string    `json:"owner_id" yaml:"owner_id"`
	Reviewer string    `json:"reviewer_id,omitempty" yaml:"reviewer_id,omitempty"`
}

func (d Deliverable) Ref() EntityRef        { return EntityRef{Kind: KindDeliverable, ID: d.ID} }
func (d Deliverable) AnchorDate() time.Time { return d.DueDate }
func (d Deliverable) IsFrozen() bool        { return d.Status == "accepted" }
func (d Deliverable) OwnerID() string       { return d.Owner }
func (d Deliverable) AssigneeID() string    { return d.Reviewer }
func (d Deliverable) ProjectID() string     { return d.Project }
func (d Deliverable) Fields() map[string]string {
	return map[string]string{"code": d.Code, "name": d.Name, "status": d.Status}
}

type PurchaseOrder struct {
	ID                   string     `json:"id" yaml:"id"`
	Project              string     `json:"project_id" yaml:"project_id"`
	Code                 string     `json:"code" yaml:"code"`
	VendorName           string     `json:"vendor_name" yaml:"vendor_name"`
	Status               string     `json:"status" yaml:"status"`
	TotalAmount          float64    `json:"total_amount" yaml:"total_amount"`
	Currency             string     `json:"currency" yaml:"currency"`
	RequiredDate         time.Time  `json:"required_date" yaml:"required_date"`
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty" yaml:"expected_delivery_date,omitempty"`
	RequestedBy          string     `json:"requested_by_id" yaml:"requested_by_id"`
}

func (p PurchaseOrder) Ref() EntityRef { return EntityRef{Kind: KindPurchaseOrder, ID: p.ID} }
func (p PurchaseOrder) AnchorDate() time.Time {
	if p.ExpectedDeliveryDate != nil {
		return *p.ExpectedDeliveryDate
	}
	return p.RequiredDate
}
func (p PurchaseOrder) IsFrozen() bool     { return p.Status == "completed" || p.Status == "cancelled" }
func (p PurchaseOrder) OwnerID() string    { return p.RequestedBy }
func (p PurchaseOrder) AssigneeID() string { return "" }
func (p PurchaseOrder) ProjectID() string  { return p.Project }
func (p PurchaseOrder) Fields() map[string]string {
	return map[string]string{
		"code":     p.Code,
		"vendor":   p.VendorName,
		"amount":   formatAmount(p.TotalAmount),
		"currency": p.Currency,
		"status":   p.Status,
	}
}

type Invoice struct {
	ID          string    `json:"id" yaml:"id"`
	Project     string    `json:"project_id" yaml:"project_id"`
	Code        string    `json:"code" yaml:"code"`
	Type        string    `json:"type" yaml:"type"`
	PartyName   string    `json:"party_name" yaml:"party_name"`
	Status      string    `json:"status" yaml:"status"`
	TotalAmount float64   `json:"total_amount" yaml:"total_amount"`
	Currency    string    `json:"currency" yaml:"currency"`
	DueDate     time.Time `json:"due_date" yaml:"due_date"`
	Owner       string    `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
}

func (i Invoice) Ref() EntityRef        { return EntityRef{Kind: KindInvoice, ID: i.ID} }
func (i Invoice) AnchorDate() time.Time { return i.DueDate }
func (i Invoice) IsFrozen() bool        { return i.Status == "paid" }
func (i Invoice) OwnerID() string       { return i.Owner }
func (i Invoice) AssigneeID() string    { return "" }
func (i Invoice) ProjectID() string     { return i.Project }
func (i Invoice) Fields() map[string]string {
	return map[string]string{
		"code":     i.Code,
		"party":    i.PartyName,
		"amount":   formatAmount(i.TotalAmount),
		"currency": i.Currency,
		"status":   i.Status,
	}
}

type Task struct {
	ID         string    `json:"id" yaml:"id"`
	Project    string    `json:"project_id" yaml:"project_id"`
	Title      string    `json:"title" yaml:"title"`
	Status     string    `json:"status" yaml:"status"`
	Priority   string    `json:"priority,omitempty" yaml:"priority,omitempty"`
	PlannedEnd time.Time `json:"planned_end" yaml:"planned_end"`
	Reporter   string    `json:"reporter_id,omitempty" yaml:"reporter_id,omitempty"`
	Assignee   string    `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
}

func (t Task) Ref() EntityRef        { return EntityRef{Kind: KindTask, ID: t.ID} }
func (t Task) AnchorDate() time.Time { return t.PlannedEnd }
func (t Task) IsFrozen() bool        { return t.Status == "done" }
func (t Task) OwnerID() string       { return t.Reporter }
func (t Task) AssigneeID() string    { return t.Assignee }
func (t Task) ProjectID() string     { return t.Project }
func (t Task) Fields() map[string]string {
	return map[string]string{"title": t.Title, "status": t.Status, "priority": t.Priority}
}

type Issue struct {
	ID          string    `json:"id" yaml:"id"`
	Project     string    `json:"project_id" yaml:"project_id"`
	Code        string    `json:"code" yaml:"code"`
	Title       string    `json:"title" yaml:"title"`
	Priority    string    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status      string    `json:"status" yaml:"status"`
	SLADeadline time.Time `json:"sla_deadline" yaml:"sla_deadline"`
	Owner       string    `json:"owner_id" yaml:"owner_id"`
	Assignee    string    `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
}

func (i Issue) Ref() EntityRef        { return EntityRef{Kind: KindIssue, ID: i.ID} }
func (i Issue) AnchorDate() time.Time { return i.SLADeadline }
func (i Issue) IsFrozen() bool        { return i.Status == "resolved" || i.Status == "closed" }
func (i Issue) OwnerID() string       { return i.Owner }
func (i Issue) AssigneeID() string    { return i.Assignee }
func (i Issue) ProjectID() string     { return i.Project }
func (i Issue) Fields() map[string]string {
	return map[string]string{"code": i.Code, "title": i.Title, "priority": i.Priority, "status": i.Status}
}

// DisplayName picks the most human-friendly identifier an entity exposes.
func DisplayName(w Watchable) string {
	f := w.Fields()
	for _, key := range []string{"name", "title", "code"} {
		if v := f[key]; v != "" {
			return v
		}
	}
	return w.Ref().ID
}

// DecodeWatchable restores a stored entity document into its typed variant.
func DecodeWatchable(kind EntityKind, data []byte) (Watchable, error) {
	var (
		w   Watchable
		err error
	)
	switch kind {
	case KindMilestone:
		var v Milestone
		err = json.Unmarshal(data, &v)
		w = v
	case KindDeliverable:
		var v Deliverable
		err = json.Unmarshal(data, &v)
		w = v
	case KindPurchaseOrder:
		var v PurchaseOrder
		err = json.Unmarshal(data, &v)
		w = v
	case KindInvoice:
		var v Invoice
		err = json.Unmarshal(data, &v)
		w = v
	case KindTask:
		var v Task
		err = json.Unmarshal(data, &v)
		w = v
	case KindIssue:
		var v Issue
		err = json.Unmarshal(data, &v)
		w = v
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return w, nil
}

// Dataset is the import format for demo records: projects, users, and
// every watchable variant.
type Dataset struct {
	Projects       []Project       `json:"projects,omitempty" yaml:"projects"`
	Users          []User          `json:"users,omitempty" yaml:"users"`
	Milestones     []Milestone     `json:"milestones,omitempty" yaml:"milestones"`
	Deliverables   []Deliverable   `json:"deliverables,omitempty" yaml:"deliverables"`
	PurchaseOrders []PurchaseOrder `json:"purchase_orders,omitempty" yaml:"purchase_orders"`
	Invoices       []Invoice       `json:"invoices,omitempty" yaml:"invoices"`
	Tasks          []Task          `json:"tasks,omitempty" yaml:"tasks"`
	Issues         []Issue         `json:"issues,omitempty" yaml:"issues"`
}

func (d Dataset) Watchables() []Watchable {
	var out []Watchable
	for _, v := range d.Milestones {
		out = append(out, v)
	}
	for _, v := range d.Deliverables {
		out = append(out, v)
	}
	for _, v := range d.PurchaseOrders {
		out = append(out, v)
	}
	for _, v := range d.Invoices {
		out = append(out, v)
	}
	for _, v := range d.Tasks {
		out = append(out, v)
	}
	for _, v := range d.Issues {
		out = append(out, v)
	}
	return out
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
