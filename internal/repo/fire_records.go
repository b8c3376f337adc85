package repo

import (
	"context"
	"database/sql"

	"duewatch/internal/domain"
)

const fireColumns = `rule_id,entity_id,entity_kind,COALESCE(project_id,''),last_fired_at,cycle_started_at,escalation_level,escalated_at,acknowledged_at`

func scanFireRecord(row rowScanner) (domain.FireRecord, error) {
	var (
		rec              domain.FireRecord
		last, cycle      string
		escalated, acked sql.NullString
	)
	err := row.Scan(&rec.RuleID, &rec.EntityID, &rec.EntityKind, &rec.ProjectID, &last, &cycle, &rec.EscalationLevel, &escalated, &acked)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rec.LastFiredAt, err = parseTime(last); err != nil {
		return rec, err
	}
	if rec.CycleStartedAt, err = parseTime(cycle); err != nil {
		return rec, err
	}
	if rec.EscalatedAt, err = parseTimePtr(escalated); err != nil {
		return rec, err
	}
	if rec.AcknowledgedAt, err = parseTimePtr(acked); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r Repo) GetFireRecord(ctx context.Context, key domain.FireKey) (domain.FireRecord, error) {
	return scanFireRecord(r.DB.QueryRowContext(ctx, `SELECT `+fireColumns+` FROM fire_records WHERE rule_id=? AND entity_id=?`, key.RuleID, key.EntityID))
}

func (r Repo) ListFireRecords(ctx context.Context) ([]domain.FireRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fireColumns+` FROM fire_records ORDER BY rule_id, entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FireRecord
	for rows.Next() {
		rec, err := scanFireRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SwapFireRecord writes next only while the stored row still matches prev.
// A nil prev claims a key that has no row yet. It reports false when another
// writer got there first, so two sweeps on one database cannot both commit
// the same edge.
func (r Repo) SwapFireRecord(ctx context.Context, prev *domain.FireRecord, next domain.FireRecord) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = r.DB.ExecContext(ctx, `INSERT INTO fire_records(rule_id,entity_id,entity_kind,project_id,last_fired_at,cycle_started_at,escalation_level,escalated_at,acknowledged_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(rule_id, entity_id) DO NOTHING`,
			next.RuleID, next.EntityID, next.EntityKind, nullable(next.ProjectID),
			formatTime(next.LastFiredAt), formatTime(next.CycleStartedAt), next.EscalationLevel,
			formatTimePtr(next.EscalatedAt), formatTimePtr(next.AcknowledgedAt))
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE fire_records SET
  entity_kind=?, project_id=?, last_fired_at=?, cycle_started_at=?, escalation_level=?, escalated_at=?, acknowledged_at=?
WHERE rule_id=? AND entity_id=? AND last_fired_at=? AND escalation_level=? AND acknowledged_at IS ?`,
			next.EntityKind, nullable(next.ProjectID), formatTime(next.LastFiredAt), formatTime(next.CycleStartedAt),
			next.EscalationLevel, formatTimePtr(next.EscalatedAt), formatTimePtr(next.AcknowledgedAt),
			prev.RuleID, prev.EntityID, formatTime(prev.LastFiredAt), prev.EscalationLevel, formatTimePtr(prev.AcknowledgedAt))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteRuleFireRecordsTx drops every record of a rule.
func (r Repo) DeleteRuleFireRecordsTx(ctx context.Context, tx *sql.Tx, ruleID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM fire_records WHERE rule_id=?`, ruleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteFireRecord(ctx context.Context, key domain.FireKey) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM fire_records WHERE rule_id=? AND entity_id=?`, key.RuleID, key.EntityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
