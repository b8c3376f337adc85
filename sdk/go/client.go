package duewatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal duewatch HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Recipients struct {
	Roles        []string `json:"roles,omitempty"`
	ProjectRoles []string `json:"project_roles,omitempty"`
	Users        []string `json:"users,omitempty"`
}

type Escalation struct {
	AfterDays  int      `json:"after_days"`
	EscalateTo []string `json:"escalate_to"`
}

// Rule represents a reminder rule.
type Rule struct {
	ID              string      `json:"id,omitempty"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	IsActive        *bool       `json:"is_active,omitempty"`
	EntityType      string      `json:"entity_type"`
	Trigger         string      `json:"trigger"`
	TriggerDays     int         `json:"trigger_days"`
	Recipients      Recipients  `json:"recipients"`
	Channels        []string    `json:"channels"`
	Escalation      *Escalation `json:"escalation,omitempty"`
	MessageTemplate string      `json:"message_template"`
}

// Notification represents an inbox row.
type Notification struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Type            string     `json:"type"`
	RuleID          string     `json:"rule_id,omitempty"`
	EntityKind      string     `json:"entity_kind,omitempty"`
	EntityID        string     `json:"entity_id,omitempty"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	Channel         string     `json:"channel"`
	ActionURL       string     `json:"action_url,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
	IsRead          bool       `json:"is_read"`
	IsArchived      bool       `json:"is_archived"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeliveryStatus  string     `json:"delivery_status"`
}

// FireRecord is the reminder state of one (rule, entity) pair.
type FireRecord struct {
	RuleID          string     `json:"rule_id"`
	EntityKind      string     `json:"entity_kind"`
	EntityID        string     `json:"entity_id"`
	LastFiredAt     time.Time  `json:"last_fired_at"`
	CycleStartedAt  time.Time  `json:"cycle_started_at"`
	EscalationLevel int        `json:"escalation_level"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Now           time.Time `json:"now"`
	Duration      string    `json:"duration"`
	Fired         int       `json:"fired"`
	Suppressed    int       `json:"suppressed"`
	Escalated     int       `json:"escalated"`
	Notifications int       `json:"notifications"`
	Delivered     int       `json:"delivered"`
	Failed        int       `json:"failed"`
	Pending       int       `json:"pending"`
	Errors        []string  `json:"errors,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListRules returns every rule.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, "v0/rules", nil, &resp)
	return resp, err
}

// CreateRule creates a rule.
func (c *Client) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "v0/rules", rule, &resp)
	return resp, err
}

// ToggleRule flips a rule's active flag.
func (c *Client) ToggleRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/rules/%s/toggle", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// DeleteRule removes a rule.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/rules/%s", url.PathEscape(id)), nil, nil)
}

// Inbox lists a user's in-app notifications.
func (c *Client) Inbox(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	endpoint := fmt.Sprintf("v0/users/%s/notifications", url.PathEscape(userID))
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UnreadCount returns the unread badge count for a user.
func (c *Client) UnreadCount(ctx context.Context, userID string) (int, error) {
	var resp struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/users/%s/notifications/unread-count", url.PathEscape(userID)), nil, &resp)
	return resp.Unread, err
}

// MarkRead marks a notification read, acknowledging its reminder.
func (c *Client) MarkRead(ctx context.Context, notificationID string) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/notifications/%s/read", url.PathEscape(notificationID)), nil, &resp)
	return resp, err
}

// MarkAllRead marks every notification of a user read.
func (c *Client) MarkAllRead(ctx context.Context, userID string) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/users/%s/notifications/read-all", url.PathEscape(userID)), nil, &resp)
	return resp.Marked, err
}

// Acknowledge stops escalation for a (rule, entity) pair.
func (c *Client) Acknowledge(ctx context.Context, ruleID, entityID string) (FireRecord, error) {
	var resp FireRecord
	body := map[string]string{"rule_id": ruleID, "entity_id": entityID}
	err := c.do(ctx, http.MethodPost, "v0/fire-records/acknowledge", body, &resp)
	return resp, err
}

// Sweep runs one sweep on the server.
func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "v0/sweeps", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
