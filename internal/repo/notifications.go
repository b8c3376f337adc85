package repo

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"duewatch/internal/domain"
)

const notificationColumns = `id,user_id,type,COALESCE(rule_id,''),COALESCE(entity_kind,''),COALESCE(entity_id,''),COALESCE(project_id,''),title,message,channel,COALESCE(action_url,''),escalation_level,is_read,is_archived,read_at,created_at,delivery_status,attempts,COALESCE(last_error,''),delivered_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var (
		n                 domain.Notification
		isRead, archived  int
		created           string
		readAt, delivered sql.NullString
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.RuleID, &n.EntityKind, &n.EntityID, &n.ProjectID, &n.Title, &n.Message,
		&n.Channel, &n.ActionURL, &n.EscalationLevel, &isRead, &archived, &readAt, &created, &n.DeliveryStatus,
		&n.Attempts, &n.LastError, &delivered)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.IsRead = isRead == 1
	n.IsArchived = archived == 1
	if n.CreatedAt, err = parseTime(created); err != nil {
		return n, err
	}
	if n.ReadAt, err = parseTimePtr(readAt); err != nil {
		return n, err
	}
	if n.DeliveredAt, err = parseTimePtr(delivered); err != nil {
		return n, err
	}
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,type,rule_id,entity_kind,entity_id,project_id,title,message,channel,action_url,escalation_level,is_read,is_archived,read_at,created_at,delivery_status,attempts,last_error,delivered_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Type, nullable(n.RuleID), nullable(string(n.EntityKind)), nullable(n.EntityID), nullable(n.ProjectID),
		n.Title, n.Message, n.Channel, nullable(n.ActionURL), n.EscalationLevel, boolInt(n.IsRead), boolInt(n.IsArchived),
		formatTimePtr(n.ReadAt), formatTime(n.CreatedAt), n.DeliveryStatus, n.Attempts, nullable(n.LastError), formatTimePtr(n.DeliveredAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

// UpdateDelivery stores the delivery bookkeeping of n. A row already in a
// terminal state is left untouched.
func (r Repo) UpdateDelivery(ctx context.Context, n domain.Notification) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivery_status=?, attempts=?, last_error=?, delivered_at=? WHERE id=? AND delivery_status=?`,
		n.DeliveryStatus, n.Attempts, nullable(n.LastError), formatTimePtr(n.DeliveredAt), n.ID, domain.DeliveryPending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingDeliveries returns external deliveries still awaiting a terminal
// status, oldest first.
func (r Repo) ListPendingDeliveries(ctx context.Context, limit int) ([]domain.Notification, error) {
	b := sq.Select(notificationColumns).From("notifications").
		Where(sq.Eq{"delivery_status": domain.DeliveryPending}).
		Where(sq.NotEq{"channel": domain.ChannelInApp}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return r.queryNotifications(ctx, b)
}

// InboxFilters narrows ListNotifications. The inbox only shows in-app rows.
type InboxFilters struct {
	UserID   string
	Unread   bool
	Archived *bool
	Limit    int
	Offset   int
}

func (r Repo) ListNotifications(ctx context.Context, f InboxFilters) ([]domain.Notification, error) {
	b := sq.Select(notificationColumns).From("notifications").
		Where(sq.Eq{"user_id": f.UserID, "channel": domain.ChannelInApp}).
		OrderBy("created_at DESC", "id DESC")
	if f.Unread {
		b = b.Where(sq.Eq{"is_read": 0})
	}
	if f.Archived != nil {
		b = b.Where(sq.Eq{"is_archived": boolInt(*f.Archived)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}
	return r.queryNotifications(ctx, b)
}

// DeliveryFilters narrows ListDeliveries.
type DeliveryFilters struct {
	Status  domain.DeliveryStatus
	Channel domain.Channel
	UserID  string
	RuleID  string
	Limit   int
}

func (r Repo) ListDeliveries(ctx context.Context, f DeliveryFilters) ([]domain.Notification, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	b := sq.Select(notificationColumns).From("notifications").OrderBy("created_at DESC", "id DESC").Limit(uint64(f.Limit))
	if f.Status != "" {
		b = b.Where(sq.Eq{"delivery_status": f.Status})
	}
	if f.Channel != "" {
		b = b.Where(sq.Eq{"channel": f.Channel})
	}
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.RuleID != "" {
		b = b.Where(sq.Eq{"rule_id": f.RuleID})
	}
	return r.queryNotifications(ctx, b)
}

func (r Repo) queryNotifications(ctx context.Context, b sq.SelectBuilder) ([]domain.Notification, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkRead flags a notification read and returns it.
func (r Repo) MarkRead(ctx context.Context, id string, at time.Time) (domain.Notification, error) {
	now := formatTime(at)
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1, read_at=COALESCE(read_at, ?) WHERE id=?`, now, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Notification{}, ErrNotFound
	}
	return r.GetNotification(ctx, id)
}

// MarkAllRead flags every unread in-app notification of userID read and
// returns the rows it changed.
func (r Repo) MarkAllRead(ctx context.Context, userID string, at time.Time) ([]domain.Notification, error) {
	unread, err := r.ListNotifications(ctx, InboxFilters{UserID: userID, Unread: true})
	if err != nil {
		return nil, err
	}
	if len(unread) == 0 {
		return nil, nil
	}
	now := at.UTC()
	if _, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1, read_at=? WHERE user_id=? AND channel=? AND is_read=0`,
		formatTime(now), userID, domain.ChannelInApp); err != nil {
		return nil, err
	}
	for i := range unread {
		unread[i].IsRead = true
		unread[i].ReadAt = &now
	}
	return unread, nil
}

func (r Repo) ArchiveNotification(ctx context.Context, id string) (domain.Notification, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_archived=1 WHERE id=?`, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Notification{}, ErrNotFound
	}
	return r.GetNotification(ctx, id)
}

func (r Repo) DeleteNotification(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount counts unread, unarchived in-app notifications.
func (r Repo) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=? AND channel=? AND is_read=0 AND is_archived=0`,
		userID, domain.ChannelInApp).Scan(&count)
	return count, err
}
