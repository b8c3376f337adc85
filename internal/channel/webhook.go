package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts messages to a chat incoming-webhook URL (Slack or Teams).
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

type webhookBody struct {
	Text           string `json:"text"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	ActionURL      string `json:"action_url,omitempty"`
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
}

func (w Webhook) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(w.URL) == "" {
		return Permanent(fmt.Errorf("%s webhook url not configured", msg.Channel))
	}
	text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
	if msg.ActionURL != "" {
		text += "\n" + msg.ActionURL
	}
	data, err := json.Marshal(webhookBody{
		Text:           text,
		Title:          msg.Title,
		Message:        msg.Body,
		UserID:         msg.UserID,
		ActionURL:      msg.ActionURL,
		NotificationID: msg.NotificationID,
		Channel:        string(msg.Channel),
	})
	if err != nil {
		return Permanent(err)
	}
	client := w.Client
	if client == nil {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Duewatch-Delivery", msg.NotificationID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Duewatch-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	return nil
}
