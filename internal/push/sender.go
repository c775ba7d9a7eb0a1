package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

const pushTTLSeconds = 30

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Sender шлёт Web Push по подпискам пользователя. Без VAPID-ключей Notify — no-op.
type Sender struct {
	subs  storage.PushSubscriptionStore
	vapid *webpush.Options
	send  sendFunc
}

// NewSender: keys == nil отключает отправку (подписки при этом сохраняются).
func NewSender(subs storage.PushSubscriptionStore, keys *VAPIDKeys, subject string) *Sender {
	s := &Sender{subs: subs, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             pushTTLSeconds,
			Urgency:         webpush.UrgencyNormal,
		}
	}
	return s
}

// Enabled reports whether pushes are actually delivered.
func (s *Sender) Enabled() bool { return s.vapid != nil }

// PublicKey — VAPID public key для подписки в браузере. Пустая строка, если push выключен.
func (s *Sender) PublicKey() string {
	if s.vapid == nil {
		return ""
	}
	return s.vapid.VAPIDPublicKey
}

// Notify отправляет уведомление на все подписки пользователя. Подписки, на которые
// push-сервис ответил 404/410, удаляются. Ошибка возвращается, только если не удалось прочитать подписки.
func (s *Sender) Notify(ctx context.Context, userID string, n model.Notification) error {
	if s.vapid == nil {
		return nil
	}
	subs, err := s.subs.Subscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("push.Notify: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("push.Notify: %w", err)
	}
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := s.send(ctx, payload, wpSub, s.vapid)
		if err != nil {
			metrics.PushSent.WithLabelValues("error").Inc()
			logger.Errorf("push send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			if err := s.subs.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove expired subscription user=%s: %v", userID, err)
			}
		case resp.StatusCode >= 400:
			metrics.PushSent.WithLabelValues("rejected").Inc()
			logger.Errorf("push send %s: status %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			metrics.PushSent.WithLabelValues("ok").Inc()
		}
	}
	return nil
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
