package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"duewatch/internal/config"
	"duewatch/internal/domain"
	"duewatch/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventForwarder posts new engine events to the operator webhooks from
// config. Each hook's cursor lives in the webhook_cursors table, keyed by the
// hook's id, so a restart resumes where delivery stopped. A hook seen for the
// first time starts at the newest event and never replays history.
type EventForwarder struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	cursors  map[string]int64
}

func NewEventForwarder(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventForwarder{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		now:      time.Now,
		cursors:  make(map[string]int64),
	}
}

// Start polls until ctx is done. It returns immediately when no hook is set.
func (d *EventForwarder) Start(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *EventForwarder) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.ForwardOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ForwardOnce delivers every pending event to every enabled hook.
func (d *EventForwarder) ForwardOnce(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.forward(ctx, hook)
	}
}

func (d *EventForwarder) forward(ctx context.Context, hook config.WebhookConfig) {
	key := hook.Key()
	log := d.logger.With("hook", key)
	cursor, err := d.cursorFor(ctx, key)
	if err != nil {
		log.Error("webhook cursor unavailable", "err", err)
		return
	}
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Error("webhook fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	advanced := cursor
	defer func() {
		if advanced != cursor {
			d.saveCursor(ctx, log, key, advanced)
		}
	}()
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				log.Warn("webhook delivery failed", "event_id", evt.ID, "type", evt.Type, "err", err)
				return
			}
			log.Debug("webhook delivered", "event_id", evt.ID, "type", evt.Type)
		}
		advanced = evt.ID
	}
}

// cursorFor resolves the hook's cursor from memory, then the store, and
// finally seeds it at the newest event.
func (d *EventForwarder) cursorFor(ctx context.Context, key string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, nil
	}
	cur, ok, err := d.repo.WebhookCursor(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		if cur, err = d.repo.LatestEventID(ctx); err != nil {
			return 0, err
		}
		if err := d.repo.SaveWebhookCursor(ctx, key, cur, d.now()); err != nil {
			return 0, err
		}
	}
	d.cursors[key] = cur
	return cur, nil
}

// saveCursor keeps the in-memory cursor even when the write fails, so a
// flaky store costs at most a replay after restart.
func (d *EventForwarder) saveCursor(ctx context.Context, log *slog.Logger, key string, eventID int64) {
	d.mu.Lock()
	d.cursors[key] = eventID
	d.mu.Unlock()
	if err := d.repo.SaveWebhookCursor(context.WithoutCancel(ctx), key, eventID, d.now()); err != nil {
		log.Error("webhook cursor not saved", "event_id", eventID, "err", err)
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *EventForwarder) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Duewatch-Event", evt.Type)
	req.Header.Set("X-Duewatch-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Duewatch-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
