package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"duewatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

const ruleColumns = `id,name,COALESCE(description,''),is_active,entity_type,trigger_kind,trigger_days,recipients_json,channels_json,escalation_json,message_template,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (domain.ReminderRule, error) {
	var (
		r                                  domain.ReminderRule
		active                             int
		recipients, channels, created, upd string
		escalation                         sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &active, &r.EntityType, &r.Trigger, &r.TriggerDays,
		&recipients, &channels, &escalation, &r.MessageTemplate, &created, &upd)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.IsActive = active == 1
	if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
		return r, fmt.Errorf("rule %s recipients: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return r, fmt.Errorf("rule %s channels: %w", r.ID, err)
	}
	if escalation.Valid && escalation.String != "" {
		var esc domain.Escalation
		if err := json.Unmarshal([]byte(escalation.String), &esc); err != nil {
			return r, fmt.Errorf("rule %s escalation: %w", r.ID, err)
		}
		r.Escalation = &esc
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(upd); err != nil {
		return r, err
	}
	return r, nil
}

func ruleArgs(r domain.ReminderRule) ([]any, error) {
	recipients, err := json.Marshal(r.Recipients)
	if err != nil {
		return nil, err
	}
	channels := r.Channels
	if channels == nil {
		channels = []domain.Channel{}
	}
	chData, err := json.Marshal(channels)
	if err != nil {
		return nil, err
	}
	var escalation any
	if r.Escalation != nil {
		data, err := json.Marshal(r.Escalation)
		if err != nil {
			return nil, err
		}
		escalation = string(data)
	}
	return []any{r.Name, nullable(r.Description), boolInt(r.IsActive), r.EntityType, r.Trigger, r.TriggerDays,
		string(recipients), string(chData), escalation, r.MessageTemplate}, nil
}

func (r Repo) InsertRule(ctx context.Context, rule domain.ReminderRule) error {
	return r.InsertRuleTx(ctx, nil, rule)
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rule domain.ReminderRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	args = append([]any{rule.ID}, args...)
	args = append(args, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO rules(id,name,description,is_active,entity_type,trigger_kind,trigger_days,recipients_json,channels_json,escalation_json,message_template,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r Repo) UpdateRuleTx(ctx context.Context, tx *sql.Tx, rule domain.ReminderRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	args = append(args, formatTime(rule.UpdatedAt), rule.ID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE rules SET name=?,description=?,is_active=?,entity_type=?,trigger_kind=?,trigger_days=?,recipients_json=?,channels_json=?,escalation_json=?,message_template=?,updated_at=? WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.ReminderRule, error) {
	return r.GetRuleTx(ctx, nil, id)
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReminderRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
}

// RuleFilters narrows ListRulesFiltered.
type RuleFilters struct {
	EntityType domain.EntityKind
	Active     *bool
}

func (r Repo) ListRules(ctx context.Context) ([]domain.ReminderRule, error) {
	return r.ListRulesFiltered(ctx, RuleFilters{})
}

func (r Repo) ListRulesFiltered(ctx context.Context, f RuleFilters) ([]domain.ReminderRule, error) {
	b := sq.Select(ruleColumns).From("rules").OrderBy("id")
	if f.EntityType != "" {
		b = b.Where(sq.Eq{"entity_type": f.EntityType})
	}
	if f.Active != nil {
		b = b.Where(sq.Eq{"is_active": boolInt(*f.Active)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReminderRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// DeleteRuleTx removes a rule; its fire records cascade.
func (r Repo) DeleteRuleTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventFilters narrows ListEvents.
type EventFilters struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	Before     int64
	Limit      int
}

// ListEvents returns events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	b := sq.Select("id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'')").
		From("events").OrderBy("id DESC").Limit(uint64(f.Limit))
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.ProjectID != "" {
		b = b.Where(sq.Eq{"project_id": f.ProjectID})
	}
	if f.EntityKind != "" {
		b = b.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Before > 0 {
		b = b.Where(sq.Lt{"id": f.Before})
	}
	return r.queryEvents(ctx, b)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	b := sq.Select("id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'')").
		From("events").Where(sq.Gt{"id": cursor}).OrderBy("id ASC").Limit(uint64(limit))
	return r.queryEvents(ctx, b)
}

func (r Repo) queryEvents(ctx context.Context, b sq.SelectBuilder) ([]domain.Event, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
