package storage

import (
	"context"
	"time"

	"github.com/teamchat/internal/model"
)

// TypingStore — эфемерное множество печатающих пользователей по беседам.
// Запись живёт ttl с последнего SetTyping; ListTyping никогда не возвращает просроченные.
// Реализации: redis.Client, memory.Client (без Redis).
type TypingStore interface {
	SetTyping(ctx context.Context, convID, userID string, ttl time.Duration) error
	ClearTyping(ctx context.Context, convID, userID string) error
	ListTyping(ctx context.Context, convID string) ([]string, error)
}

// PushSubscriptionStore — подписки браузеров на Web Push, по пользователю.
type PushSubscriptionStore interface {
	AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Store объединяет эфемерные хранилища API-сервиса.
type Store interface {
	TypingStore
	PushSubscriptionStore
	Close() error
}

// MaxSubscriptionsPerUser ограничивает число устройств одного пользователя.
const MaxSubscriptionsPerUser = 10

// SubscriptionTTL — подписка без обновлений дольше этого срока считается мёртвой.
const SubscriptionTTL = 30 * 24 * time.Hour
