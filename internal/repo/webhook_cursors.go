package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WebhookCursor returns the last event delivered to the hook. ok is false
// when the hook has never delivered.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// SaveWebhookCursor advances the hook's cursor. It never moves backwards.
func (r Repo) SaveWebhookCursor(ctx context.Context, hookID string, eventID int64, at time.Time) error {
	if hookID == "" {
		return errors.New("hook id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id, last_event_id, updated_at) VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at
WHERE excluded.last_event_id > webhook_cursors.last_event_id`, hookID, eventID, formatTime(at))
	return err
}
