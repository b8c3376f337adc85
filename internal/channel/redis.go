package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"duewatch/internal/domain"
)

// RedisPublisher fans new in-app notifications out on a per-user pub/sub
// channel so connected clients can refresh their inbox.
type RedisPublisher struct {
	Client *redis.Client
}

// UserTopic is the pub/sub channel carrying a user's notifications.
func UserTopic(userID string) string {
	return fmt.Sprintf("user_notifications:%s", userID)
}

func (p RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	if p.Client == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.Client.Publish(ctx, UserTopic(n.UserID), payload).Err()
}
