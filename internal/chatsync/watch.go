package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

const watchPongWait = 60 * time.Second

// EventStreamURL — адрес /ws для базового http(s) адреса клиента.
func (c *Client) EventStreamURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// KeysForEvent maps a server event to the cache keys it makes stale.
func KeysForEvent(ev model.Event) []string {
	switch ev.Type {
	case model.EventConversationChanged:
		return []string{keyConversations}
	case model.EventConversationDeleted:
		return []string{keyConversations, keyMessages(ev.ConversationID), keyTyping(ev.ConversationID)}
	case model.EventMessagesChanged:
		return []string{keyMessages(ev.ConversationID), keyConversations}
	case model.EventTypingChanged:
		return []string{keyTyping(ev.ConversationID)}
	case model.EventUserStatus:
		return []string{keyConversations, keyUsers}
	}
	return nil
}

// Watch подписывается на поток событий и сбрасывает кеш по каждому событию.
// Пустой wsURL — адрес по умолчанию. Возвращает при отмене ctx или обрыве соединения;
// переподключение на стороне вызывающего.
func (s *Session) Watch(ctx context.Context, wsURL string) error {
	if wsURL == "" {
		wsURL = s.api.EventStreamURL()
	}
	header := http.Header{}
	for _, c := range s.api.Cookies() {
		header.Add("Cookie", c.String())
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("chatsync.Watch: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("chatsync.Watch: dial: %w", err)
	}
	defer conn.Close()

	// события могли быть пропущены до подключения
	s.cache.InvalidateAll()
	if s.notify != nil {
		s.notify()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("chatsync.Watch: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
		keys := KeysForEvent(ev)
		if len(keys) == 0 {
			logger.Debugf("chatsync: unknown event %q", ev.Type)
			continue
		}
		if ev.Type == model.EventTypingChanged && ev.ConversationID == s.Selected() {
			go s.refreshTyping(ctx, ev.ConversationID)
			continue
		}
		s.invalidate(keys...)
	}
}
