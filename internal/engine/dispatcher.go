package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	"duewatch/internal/events"
)

// RetryPolicy bounds delivery attempts for external channels.
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delivery is one composed reminder addressed to resolved recipients.
type Delivery struct {
	Rule            domain.ReminderRule
	Entity          domain.Watchable
	Recipients      []string
	Channels        []domain.Channel
	Composed        Composed
	ActionURL       string
	EscalationLevel int
}

// Outcome reports what happened to one (recipient, channel) pair.
type Outcome struct {
	NotificationID string
	UserID         string
	Channel        domain.Channel
	Status         domain.DeliveryStatus
	Attempts       int
	Err            error
}

// Dispatcher writes inbox rows and pushes external channels through their
// transports. Pairs are independent: one failing channel never blocks or
// rolls back another.
type Dispatcher struct {
	Inbox      Inbox
	Transports channel.Registry
	Publisher  Publisher
	Events     EventLog
	Retry      RetryPolicy
	Workers    int
	Logger     *slog.Logger
	Now        func() time.Time
	// Sleep waits between attempts; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch delivers a single reminder. See DispatchAll.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) ([]Outcome, error) {
	return d.DispatchAll(ctx, []Delivery{del})
}

// DispatchAll creates one notification per (recipient, channel) and delivers
// it. In-app rows are delivered on insert; external channels run on a
// bounded pool. Every batch entry is an edge that is already committed, so
// rows are written even after ctx is done; only the external retry loop
// honours cancellation and leaves its rows pending for the next sweep. The
// returned error only carries storage faults; delivery failures are
// reported per outcome.
func (d *Dispatcher) DispatchAll(ctx context.Context, batch []Delivery) ([]Outcome, error) {
	var (
		outcomes []Outcome
		pending  []domain.Notification
		errs     []error
	)
	wctx := context.WithoutCancel(ctx)
	for _, del := range batch {
		for _, userID := range del.Recipients {
			for _, ch := range del.Channels {
				n := d.newNotification(del, userID, ch)
				if err := d.Inbox.InsertNotification(wctx, n); err != nil {
					errs = append(errs, fmt.Errorf("insert notification for %s on %s: %w", userID, ch, err))
					continue
				}
				if ch == domain.ChannelInApp {
					d.publish(wctx, n)
					outcomes = append(outcomes, Outcome{
						NotificationID: n.ID,
						UserID:         userID,
						Channel:        ch,
						Status:         domain.DeliveryDelivered,
						Attempts:       n.Attempts,
					})
					continue
				}
				pending = append(pending, n)
			}
		}
	}
	external, err := d.deliverAll(ctx, pending)
	outcomes = append(outcomes, external...)
	if err != nil {
		errs = append(errs, err)
	}
	return outcomes, errors.Join(errs...)
}

// RetryPending redrives external deliveries left pending by an interrupted
// sweep.
func (d *Dispatcher) RetryPending(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := d.Inbox.ListPendingDeliveries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	return d.deliverAll(ctx, rows)
}

func (d *Dispatcher) newNotification(del Delivery, userID string, ch domain.Channel) domain.Notification {
	now := d.now().UTC()
	ref := del.Entity.Ref()
	n := domain.Notification{
		ID:              uuid.NewString(),
		UserID:          userID,
		Type:            domain.NotificationTypeAt(del.Rule.EntityType, del.Rule.Trigger, del.EscalationLevel),
		RuleID:          del.Rule.ID,
		EntityKind:      ref.Kind,
		EntityID:        ref.ID,
		ProjectID:       del.Entity.ProjectID(),
		Title:           del.Composed.Title,
		Message:         del.Composed.Message,
		Channel:         ch,
		ActionURL:       del.ActionURL,
		EscalationLevel: del.EscalationLevel,
		CreatedAt:       now,
		DeliveryStatus:  domain.DeliveryPending,
	}
	if ch == domain.ChannelInApp {
		n.DeliveryStatus = domain.DeliveryDelivered
		n.Attempts = 1
		n.DeliveredAt = &now
	}
	return n
}

func (d *Dispatcher) publish(ctx context.Context, n domain.Notification) {
	if d.Publisher == nil {
		return
	}
	if err := d.Publisher.Publish(ctx, n); err != nil {
		d.logger().Warn("publish notification failed", "notification", n.ID, "user", n.UserID, "err", err)
	}
}

func (d *Dispatcher) deliverAll(ctx context.Context, rows []domain.Notification) ([]Outcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	outcomes := make([]Outcome, len(rows))
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	if d.Workers > 0 {
		g.SetLimit(d.Workers)
	}
	for i, n := range rows {
		g.Go(func() error {
			out, err := d.deliver(ctx, n)
			outcomes[i] = out
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// deliver runs the retry loop for one external notification. Attempts
// already spent by an earlier sweep count against the ceiling.
func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) (Outcome, error) {
	out := Outcome{NotificationID: n.ID, UserID: n.UserID, Channel: n.Channel}
	ceiling := d.Retry.maxAttempts()
	transport, lookupErr := d.Transports.Lookup(n.Channel)

	for n.Attempts < ceiling {
		if err := ctx.Err(); err != nil {
			break
		}
		n.Attempts++
		var sendErr error
		if lookupErr != nil {
			sendErr = lookupErr
		} else {
			sendErr = d.attempt(ctx, transport, n)
		}
		if sendErr == nil {
			at := d.now().UTC()
			n.DeliveryStatus = domain.DeliveryDelivered
			n.DeliveredAt = &at
			n.LastError = ""
			return d.finish(ctx, n, out, nil)
		}
		n.LastError = sendErr.Error()
		if channel.IsPermanent(sendErr) || n.Attempts >= ceiling {
			n.DeliveryStatus = domain.DeliveryFailed
			return d.finish(ctx, n, out, sendErr)
		}
		if err := d.Inbox.UpdateDelivery(ctx, n); err != nil {
			return d.record(n, out, sendErr), fmt.Errorf("record attempt for %s: %w", n.ID, err)
		}
		d.logger().Debug("delivery attempt failed", "notification", n.ID, "channel", n.Channel, "attempt", n.Attempts, "err", sendErr)
		if err := d.sleep(ctx, d.Retry.Backoff(n.Attempts)); err != nil {
			break
		}
	}
	if n.DeliveryStatus == domain.DeliveryPending && n.Attempts >= ceiling {
		n.DeliveryStatus = domain.DeliveryFailed
		return d.finish(ctx, n, out, errors.New(n.LastError))
	}
	// Cancelled: the row stays pending for the next sweep.
	return d.record(n, out, ctx.Err()), nil
}

func (d *Dispatcher) attempt(ctx context.Context, t channel.Transport, n domain.Notification) error {
	actx := ctx
	if d.Retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.Retry.AttemptTimeout)
		defer cancel()
	}
	return t.Send(actx, channel.Message{
		NotificationID: n.ID,
		Channel:        n.Channel,
		UserID:         n.UserID,
		Title:          n.Title,
		Body:           n.Message,
		ActionURL:      n.ActionURL,
	})
}

// finish persists a terminal status. The write uses a detached context so a
// cancelled sweep still records what the transport already did.
func (d *Dispatcher) finish(ctx context.Context, n domain.Notification, out Outcome, sendErr error) (Outcome, error) {
	wctx := context.WithoutCancel(ctx)
	if err := d.Inbox.UpdateDelivery(wctx, n); err != nil {
		return d.record(n, out, sendErr), fmt.Errorf("record delivery %s: %w", n.ID, err)
	}
	if n.DeliveryStatus == domain.DeliveryFailed {
		d.logger().Error("delivery failed", "notification", n.ID, "user", n.UserID, "channel", n.Channel, "attempts", n.Attempts, "err", n.LastError)
		if d.Events != nil {
			payload := events.EventPayload{
				"notification_id": n.ID,
				"user_id":         n.UserID,
				"channel":         n.Channel,
				"rule_id":         n.RuleID,
				"attempts":        n.Attempts,
				"error":           n.LastError,
			}
			if err := d.Events.Append(wctx, "delivery.failed", n.ProjectID, string(n.EntityKind), n.EntityID, systemActor, payload); err != nil {
				d.logger().Warn("append delivery.failed event", "err", err)
			}
		}
	}
	return d.record(n, out, sendErr), nil
}

func (d *Dispatcher) record(n domain.Notification, out Outcome, err error) Outcome {
	out.Status = n.DeliveryStatus
	out.Attempts = n.Attempts
	out.Err = err
	return out
}
