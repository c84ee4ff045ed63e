// Package notify hands user notifications to the delivery side. Delivery
// itself happens elsewhere; a failed notify never undoes a payment.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, n models.Notice) error
}

type message struct {
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RedisNotifier publishes notices as JSON on a pub/sub channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, now: time.Now}
}

func (n *RedisNotifier) Notify(ctx context.Context, notice models.Notice) error {
	payload, err := json.Marshal(message{
		UserID:    notice.UserID,
		Kind:      notice.Kind,
		Payload:   notice.Payload,
		CreatedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// LogNotifier only logs. Used when no redis is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, notice models.Notice) error {
	if n.Log != nil {
		n.Log.Info("notice", zap.String("user_id", notice.UserID), zap.String("kind", notice.Kind), zap.Any("payload", notice.Payload))
	}
	return nil
}

// Dispatch sends every notice and returns how many failed. Failures are
// logged, never returned.
func Dispatch(ctx context.Context, n Notifier, log *zap.Logger, notices []models.Notice) int {
	if n == nil {
		return 0
	}
	failed := 0
	for _, notice := range notices {
		if err := n.Notify(ctx, notice); err != nil {
			failed++
			if log != nil {
				log.Warn("notify failed", zap.String("user_id", notice.UserID), zap.String("kind", notice.Kind), zap.Error(err))
			}
		}
	}
	return failed
}
